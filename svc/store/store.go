// Package store keeps pastes as compressed files in a single flat directory.
// The directory listing is the only index: each paste is <id>.<ext>.
package store

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/SpyrosRoum/termpad/metrics"
	"github.com/SpyrosRoum/termpad/pkg/domain"
	"github.com/SpyrosRoum/termpad/svc/codec"
	"github.com/SpyrosRoum/termpad/svc/ident"
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

// StagingPrefix marks uploads that have not been published under a name yet.
// It can never collide with an identifier.
const StagingPrefix = ".upload-"

const maxNameAttempts = 64

// Options configures a Store. Codec is used for new pastes; every other
// known format stays readable.
type Options struct {
	Dir          string
	Codec        *codec.Codec
	Names        *ident.Generator
	MaxPasteSize int64
}

// Store creates, streams and describes pastes in one directory.
type Store struct {
	dir     string
	codec   *codec.Codec
	readers []*codec.Codec
	names   *ident.Generator
	maxSize int64
	// link publishes a staged file under its final name. Swapped in tests.
	link func(oldname, newname string) error
}

// New checks that o.Dir is an existing directory and builds the readers for
// every supported format.
func New(o Options) (*Store, error) {
	if o.Dir == "" {
		return nil, errors.New("store directory is required")
	}
	if o.Codec == nil || o.Names == nil {
		return nil, errors.New("store: codec and name generator are required")
	}
	fi, err := os.Stat(o.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "stat store directory")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%s is not a directory", o.Dir)
	}
	readers := []*codec.Codec{o.Codec}
	for _, f := range codec.Formats {
		if f == o.Codec.Format() {
			continue
		}
		c, err := codec.New(codec.Options{Format: f, BufferSize: o.Codec.BufferSize()})
		if err != nil {
			return nil, err
		}
		readers = append(readers, c)
	}
	return &Store{
		dir:     o.Dir,
		codec:   o.Codec,
		readers: readers,
		names:   o.Names,
		maxSize: o.MaxPasteSize,
		link:    os.Link,
	}, nil
}

// Dir is the directory pastes are kept in.
func (s *Store) Dir() string { return s.dir }

// Path is where a paste with the given id and written by this store lives.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, strings.ToLower(id)+"."+s.codec.Ext())
}

// Create streams r through the compressor into a new paste and returns its
// identifier. The identifier is only returned once the file is synced,
// closed and published; on any error nothing is left behind.
func (s *Store) Create(ctx context.Context, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, StagingPrefix+"*")
	if err != nil {
		return "", domain.IOFault(err, "create staging file")
	}
	staged := tmp.Name()
	published := false
	defer func() {
		if !published {
			if err := os.Remove(staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
				util.Warn().Err(err).Str("path", staged).Msg("failed to remove staging file")
			}
		}
	}()

	src := r
	if s.maxSize > 0 {
		src = &limitReader{r: r, remaining: s.maxSize}
	}
	src = ctxReader{ctx: ctx, r: src}
	n, err := s.codec.Compress(tmp, src)
	if err != nil {
		tmp.Close()
		metrics.IngestFailures.WithLabelValues(failureReason(err)).Inc()
		if errors.Is(err, domain.ErrPasteTooLarge) {
			return "", domain.ErrPasteTooLarge
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", errors.Wrap(err, "upload aborted")
		}
		return "", domain.IOFault(err, "write paste")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		metrics.IngestFailures.WithLabelValues("sync").Inc()
		return "", domain.IOFault(err, "sync paste")
	}
	if err := tmp.Close(); err != nil {
		metrics.IngestFailures.WithLabelValues("close").Inc()
		return "", domain.IOFault(err, "close paste")
	}

	id, err := s.publish(staged)
	if err != nil {
		metrics.IngestFailures.WithLabelValues("publish").Inc()
		return "", err
	}
	published = true
	metrics.PasteCreated.Inc()
	metrics.IngestBytes.Add(float64(n))
	return id, nil
}

// publish gives the staged file a fresh name. link(2) refuses to replace an
// existing file, so the collision check and the creation are one step.
func (s *Store) publish(staged string) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		id := s.names.Generate()
		if s.takenElsewhere(id) {
			util.Debug().Str("paste_id", id).Msg("identifier held in another format, drawing again")
			continue
		}
		final := s.Path(id)
		err := s.link(staged, final)
		if err == nil {
			if err := os.Remove(staged); err != nil {
				util.Warn().Err(err).Str("path", staged).Msg("failed to remove staging link")
			}
			return id, nil
		}
		if errors.Is(err, fs.ErrExist) {
			util.Debug().Str("paste_id", id).Msg("identifier collision, drawing again")
			continue
		}
		if linkUnsupported(err) {
			// No hard links on this filesystem: reserve the name, then
			// move the staged content over the reservation.
			ok, err := s.reserveAndRename(staged, final)
			if err != nil {
				return "", err
			}
			if !ok {
				continue
			}
			return id, nil
		}
		return "", domain.IOFault(err, "publish paste")
	}
	return "", domain.IOFault(errors.New("identifier space exhausted"), "publish paste")
}

// takenElsewhere reports whether id already names a paste written in a
// format other than the current one. Any existing entry counts, so a
// reservation in flight from an older deployment is respected too.
func (s *Store) takenElsewhere(id string) bool {
	for _, c := range s.readers[1:] {
		if _, err := os.Lstat(filepath.Join(s.dir, id+"."+c.Ext())); !errors.Is(err, fs.ErrNotExist) {
			return true
		}
	}
	return false
}

func (s *Store) reserveAndRename(staged, final string) (bool, error) {
	f, err := os.OpenFile(final, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, domain.IOFault(err, "reserve paste name")
	}
	f.Close()
	if err := os.Rename(staged, final); err != nil {
		os.Remove(final)
		return false, domain.IOFault(err, "publish paste")
	}
	return true, nil
}

// Open returns a stream of the decompressed paste. The lookup is case
// insensitive. A missing id, a malformed id or a path that is not a regular
// file gives domain.ErrPasteNotFound.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	f, c, err := s.openFile(id)
	if err != nil {
		return nil, err
	}
	dec, err := c.NewReader(f)
	if err != nil {
		f.Close()
		return nil, domain.IOFault(err, "open decompressor")
	}
	metrics.PasteRetrieved.Inc()
	return &pasteReader{ctx: ctx, dec: dec, f: f}, nil
}

// WriteTo streams the decompressed paste into w chunk by chunk.
func (s *Store) WriteTo(ctx context.Context, id string, w io.Writer) (int64, error) {
	rc, err := s.Open(ctx, id)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := s.codec.Pump(w, rc)
	if err != nil {
		return n, domain.IOFault(err, "stream paste")
	}
	return n, nil
}

// ReadAll drains the decompressed paste into memory.
func (s *Store) ReadAll(ctx context.Context, id string) ([]byte, error) {
	rc, err := s.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.IOFault(err, "read paste")
	}
	return b, nil
}

// Text is ReadAll decoded for display: invalid UTF-8 becomes U+FFFD.
func (s *Store) Text(ctx context.Context, id string) (string, error) {
	b, err := s.ReadAll(ctx, id)
	if err != nil {
		return "", err
	}
	return Lossy(b), nil
}

// Lossy decodes b as UTF-8, replacing invalid sequences with U+FFFD.
func Lossy(b []byte) string {
	// the UTF-8 decoder substitutes instead of failing
	out, _ := unicode.UTF8.NewDecoder().Bytes(b)
	return string(out)
}

// Stat describes the stored file for id.
func (s *Store) Stat(id string) (*domain.Paste, error) {
	id = strings.ToLower(id)
	if !ident.Valid(id) {
		return nil, domain.ErrPasteNotFound
	}
	for _, c := range s.readers {
		fi, err := os.Lstat(filepath.Join(s.dir, id+"."+c.Ext()))
		if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
			continue
		}
		return &domain.Paste{ID: id, Size: fi.Size(), ModifiedAt: fi.ModTime()}, nil
	}
	return nil, domain.ErrPasteNotFound
}

// Ping checks that the store directory is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	fi, err := os.Stat(s.dir)
	if err != nil {
		return errors.Wrap(err, "stat store directory")
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *Store) openFile(id string) (*os.File, *codec.Codec, error) {
	id = strings.ToLower(id)
	if !ident.Valid(id) {
		metrics.PasteNotFound.Inc()
		return nil, nil, domain.ErrPasteNotFound
	}
	for _, c := range s.readers {
		p := filepath.Join(s.dir, id+"."+c.Ext())
		fi, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, domain.IOFault(err, "stat paste")
		}
		// zero bytes is a name reserved by a publish still in flight
		if !fi.Mode().IsRegular() || fi.Size() == 0 {
			continue
		}
		f, err := os.Open(p)
		if errors.Is(err, fs.ErrNotExist) {
			// swept between stat and open
			continue
		}
		if err != nil {
			return nil, nil, domain.IOFault(err, "open paste")
		}
		return f, c, nil
	}
	metrics.PasteNotFound.Inc()
	return nil, nil, domain.ErrPasteNotFound
}

func linkUnsupported(err error) bool {
	return errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.EMLINK)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPasteTooLarge):
		return "too_large"
	case errors.Is(err, codec.ErrZeroWrite):
		return "zero_write"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	}
	return "io"
}

type pasteReader struct {
	ctx context.Context
	dec io.ReadCloser
	f   *os.File
}

func (p *pasteReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	return p.dec.Read(b)
}

func (p *pasteReader) Close() error {
	p.dec.Close()
	return p.f.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, domain.ErrPasteTooLarge
	}
	// read one byte past the limit so an exact-size upload still succeeds
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, domain.ErrPasteTooLarge
	}
	return n, err
}
