package cfg

import (
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Overrides are the settings an operator usually types by hand. Flags that
// were given on the command line win over the environment.
type Overrides struct {
	fs          *pflag.FlagSet
	output      *string
	domain      *string
	https       *bool
	port        *string
	rawPort     *string
	rawReadPort *string
	deleteAfter *uint32
	bufferSize  *int
}

func RegisterFlags(fs *pflag.FlagSet) *Overrides {
	return &Overrides{
		fs:          fs,
		output:      fs.StringP("output", "o", "./pastes", "directory pastes are stored in"),
		domain:      fs.StringP("domain", "d", "localhost", "domain used in returned URLs"),
		https:       fs.Bool("https", false, "return https:// URLs"),
		port:        fs.StringP("port", "p", "8000", "HTTP listen port"),
		rawPort:     fs.String("raw-port", "9999", "raw socket upload port, empty disables"),
		rawReadPort: fs.String("raw-read-port", "9998", "raw socket retrieval port, empty disables"),
		deleteAfter: fs.Uint32("delete-after", 120, "days to keep pastes, 0 keeps them forever"),
		bufferSize:  fs.IntP("buffer-size", "B", 16*1024, "ingest buffer size in bytes"),
	}
}

// Apply copies every flag the user actually set onto c.
func (o *Overrides) Apply(c *Cfg) error {
	if o.fs.Changed("output") {
		out, err := util.ExpandTilde(*o.output)
		if err != nil {
			return errors.Wrap(err, "expand --output")
		}
		c.Output = out
	}
	if o.fs.Changed("domain") {
		c.Domain = *o.domain
	}
	if o.fs.Changed("https") {
		c.HTTPS = *o.https
	}
	if o.fs.Changed("port") {
		c.Port = *o.port
	}
	if o.fs.Changed("raw-port") {
		c.RawPort = *o.rawPort
	}
	if o.fs.Changed("raw-read-port") {
		c.RawReadPort = *o.rawReadPort
	}
	if o.fs.Changed("delete-after") {
		c.DeleteAfter = *o.deleteAfter
	}
	if o.fs.Changed("buffer-size") {
		c.BufferSize = *o.bufferSize
	}
	return nil
}
