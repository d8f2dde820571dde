// Package sweep removes pastes once they outlive the configured retention.
package sweep

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/SpyrosRoum/termpad/metrics"
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/pkg/errors"
)

const (
	Day             = 24 * time.Hour
	DefaultInterval = 12 * time.Hour
)

type Options struct {
	Dir      string
	TTLDays  uint32
	Interval time.Duration
	// Now and BirthTime default to time.Now and the platform BirthTime.
	Now       func() time.Time
	BirthTime BirthTimeFunc
}

// Sweeper deletes every regular file in Dir whose creation time is at least
// TTLDays days in the past. It never looks at file names: anything regular
// in the store directory is treated as a paste.
type Sweeper struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	birth    BirthTimeFunc
}

// Result summarises one sweep pass.
type Result struct {
	Scanned int
	Deleted int
	Faults  int
	// Aborted is set when creation times could not be read at all.
	Aborted bool
}

func New(o Options) (*Sweeper, error) {
	if o.Dir == "" {
		return nil, errors.New("sweep: directory is required")
	}
	if o.TTLDays == 0 {
		return nil, errors.New("sweep: ttl of 0 days means keep forever, nothing to sweep")
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.BirthTime == nil {
		o.BirthTime = BirthTime
	}
	return &Sweeper{
		dir:      o.Dir,
		ttl:      time.Duration(o.TTLDays) * Day,
		interval: o.Interval,
		now:      o.Now,
		birth:    o.BirthTime,
	}, nil
}

// Start launches Run in a goroutine. With TTLDays == 0 it does nothing and
// returns a nil Sweeper and a done channel that is already closed.
func Start(ctx context.Context, o Options) (*Sweeper, <-chan struct{}, error) {
	done := make(chan struct{})
	if o.TTLDays == 0 {
		close(done)
		util.Info().Msg("retention disabled, pastes are kept forever")
		return nil, done, nil
	}
	s, err := New(o)
	if err != nil {
		close(done)
		return nil, done, err
	}
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return s, done, nil
}

func (s *Sweeper) TTL() time.Duration      { return s.ttl }
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run sweeps immediately and then once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	util.Info().
		Str("dir", s.dir).
		Dur("ttl", s.ttl).
		Dur("interval", s.interval).
		Msg("retention sweeper started")
	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			util.Info().Msg("retention sweeper shutting down")
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	util.Info().Msg("sweeping expired pastes")
	res, err := s.Sweep(ctx)
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		util.Error().Err(err).Msg("sweep failed")
		return
	}
	util.Info().
		Int("scanned", res.Scanned).
		Int("deleted", res.Deleted).
		Int("faults", res.Faults).
		Bool("aborted", res.Aborted).
		Msg("sweep completed")
}

// Sweep performs one pass over the directory. Per-entry failures are logged
// and counted in the result; only an unreadable directory or a cancelled
// context is returned as an error.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	metrics.SweepPasses.Inc()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return res, errors.Wrap(err, "read store directory")
	}
	now := s.now()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		path := filepath.Join(s.dir, e.Name())
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			res.Faults++
			metrics.SweepFaults.WithLabelValues("metadata").Inc()
			util.Warn().Err(err).Str("path", path).Msg("cannot read file metadata, skipping")
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		res.Scanned++
		created, err := s.birth(path)
		if errors.Is(err, ErrBirthTimeUnsupported) {
			res.Aborted = true
			metrics.SweepFaults.WithLabelValues("unsupported").Inc()
			util.Error().Err(err).Msg("cannot read file creation times, abandoning this sweep")
			return res, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			res.Faults++
			metrics.SweepFaults.WithLabelValues("metadata").Inc()
			util.Warn().Err(err).Str("path", path).Msg("cannot read file creation time, skipping")
			continue
		}
		if now.Sub(created) < s.ttl {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			res.Faults++
			metrics.SweepFaults.WithLabelValues("delete").Inc()
			util.Warn().Err(err).Str("path", path).Msg("failed to delete expired file")
			continue
		}
		res.Deleted++
		metrics.SweptFiles.Inc()
		util.Debug().Str("path", path).Time("created", created).Msg("deleted expired file")
	}
	return res, nil
}
