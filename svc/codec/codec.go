// Package codec streams paste content through a compressor on the way to
// disk and through a decompressor on the way back out.
package codec

import (
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

type Format string

const (
	Zstd Format = "zstd"
	LZ4  Format = "lz4"
)

const DefaultBufferSize = 16 * 1024

var ErrUnknownFormat = errors.New("codec: unknown compression format")

// Formats lists every format a store may find on disk.
var Formats = []Format{Zstd, LZ4}

// ParseFormat maps a COMPRESSION value to a Format. Empty means zstd.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case Zstd, "zst", "":
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// Ext is the file extension, without the dot, used for files in this format.
func (f Format) Ext() string {
	switch f {
	case Zstd:
		return "zst"
	case LZ4:
		return "lz4"
	}
	return ""
}

// Options selects the format and tuning of a Codec.
type Options struct {
	Format     Format
	ZstdLevel  int
	BufferSize int
}

// Codec binds a compression format to the chunk size used when pumping data
// through it. A Codec is safe for concurrent use; every stream gets its own
// encoder or decoder.
type Codec struct {
	format  Format
	level   zstd.EncoderLevel
	bufSize int
	bufs    sync.Pool
}

// New fills in defaults and rejects an unknown format or a buffer size below one.
func New(o Options) (*Codec, error) {
	if o.Format == "" {
		o.Format = Zstd
	}
	if o.Format.Ext() == "" {
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", o.Format)
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.BufferSize < 1 {
		return nil, errors.Errorf("codec: buffer size must be >= 1, got %d", o.BufferSize)
	}
	if o.ZstdLevel == 0 {
		o.ZstdLevel = 3
	}
	if o.ZstdLevel < 1 || o.ZstdLevel > 22 {
		return nil, errors.Errorf("codec: zstd level must be 1-22, got %d", o.ZstdLevel)
	}
	c := &Codec{
		format:  o.Format,
		level:   zstd.EncoderLevelFromZstd(o.ZstdLevel),
		bufSize: o.BufferSize,
	}
	c.bufs.New = func() any {
		b := make([]byte, c.bufSize)
		return &b
	}
	return c, nil
}

func (c *Codec) Format() Format  { return c.format }
func (c *Codec) Ext() string     { return c.format.Ext() }
func (c *Codec) BufferSize() int { return c.bufSize }

// NewWriter returns a compressing writer over dst. Every write the compressor
// makes to dst goes through WriteFull, so a sink that stops accepting bytes
// surfaces as ErrZeroWrite. Close flushes the trailing frame but does not
// close dst.
func (c *Codec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	sink := fullWriter{w: dst}
	switch c.format {
	case Zstd:
		enc, err := zstd.NewWriter(sink,
			zstd.WithEncoderLevel(c.level),
			zstd.WithEncoderConcurrency(1),
			zstd.WithZeroFrames(true),
		)
		if err != nil {
			return nil, errors.Wrap(err, "zstd writer")
		}
		return enc, nil
	case LZ4:
		w := lz4.NewWriter(sink)
		if err := w.Apply(lz4.ConcurrencyOption(1)); err != nil {
			return nil, errors.Wrap(err, "lz4 writer")
		}
		return w, nil
	}
	return nil, ErrUnknownFormat
}

// NewReader returns a decompressing reader over src. Closing it releases
// the decoder but does not close src.
func (c *Codec) NewReader(src io.Reader) (io.ReadCloser, error) {
	switch c.format {
	case Zstd:
		dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "zstd reader")
		}
		return dec.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	}
	return nil, ErrUnknownFormat
}

// Compress pumps src through a compressor into dst until src reports EOF
// and then flushes the compressor. It returns the number of uncompressed
// bytes consumed from src. The output is never empty, even for empty input.
func (c *Codec) Compress(dst io.Writer, src io.Reader) (int64, error) {
	enc, err := c.NewWriter(dst)
	if err != nil {
		return 0, err
	}
	n, err := c.Pump(enc, src)
	if err != nil {
		enc.Close()
		return n, err
	}
	if n == 0 {
		// lz4 emits no frame header until the first write
		if _, err := enc.Write(nil); err != nil {
			return 0, errors.Wrap(err, "write empty frame")
		}
	}
	if err := enc.Close(); err != nil {
		return n, errors.Wrap(err, "flush compressor")
	}
	return n, nil
}

// Decompress streams the decompressed form of src into dst.
func (c *Codec) Decompress(dst io.Writer, src io.Reader) (int64, error) {
	dec, err := c.NewReader(src)
	if err != nil {
		return 0, err
	}
	defer dec.Close()
	return c.Pump(dst, dec)
}

// Pump is the package level Pump using a pooled buffer of the codec's size.
func (c *Codec) Pump(dst io.Writer, src io.Reader) (int64, error) {
	bp := c.bufs.Get().(*[]byte)
	defer c.bufs.Put(bp)
	return Pump(dst, src, *bp)
}
