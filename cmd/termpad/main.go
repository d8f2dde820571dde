package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SpyrosRoum/termpad/cfg"
	"github.com/SpyrosRoum/termpad/svc/api"
	"github.com/SpyrosRoum/termpad/svc/codec"
	"github.com/SpyrosRoum/termpad/svc/db"
	"github.com/SpyrosRoum/termpad/svc/ident"
	"github.com/SpyrosRoum/termpad/svc/lim"
	"github.com/SpyrosRoum/termpad/svc/raw"
	"github.com/SpyrosRoum/termpad/svc/store"
	"github.com/SpyrosRoum/termpad/svc/sweep"
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain returns the exit code so deferred cleanup runs before the
// process exits.
func realMain(args []string) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "termpad: load .env: %v\n", err)
		return 1
	}

	flags := pflag.NewFlagSet("termpad", pflag.ContinueOnError)
	overrides := cfg.RegisterFlags(flags)
	health := flags.Bool("health", false, "check that the store directory is usable and exit")
	if err := flags.Parse(normalizeArgs(args)); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	c, err := cfg.Load()
	if err != nil {
		util.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	defer c.Wipe()
	if err := overrides.Apply(c); err != nil {
		util.Error().Err(err).Msg("invalid command line")
		return 1
	}

	if *health {
		if err := cfg.CheckOutput(c.Output); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	if err := cfg.Validate(c); err != nil {
		util.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	util.InitLog(c.LogLevel, !c.IsProduction())
	util.Info().Str("output", c.AbsOutput()).Msg("starting termpad")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, c); err != nil {
		util.Error().Err(err).Msg("termpad stopped with an error")
		return 1
	}
	util.Info().Msg("shutdown complete")
	return 0
}

// normalizeArgs keeps the historic single dash -health working.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == "-health" {
			a = "--health"
		}
		out[i] = a
	}
	return out
}

func run(ctx context.Context, c *cfg.Cfg) error {
	cd, err := codec.New(codec.Options{
		Format:     c.Compression,
		ZstdLevel:  c.ZstdLevel,
		BufferSize: c.BufferSize,
	})
	if err != nil {
		return err
	}
	st, err := store.New(store.Options{
		Dir:          c.Output,
		Codec:        cd,
		Names:        ident.New(c.NameScheme),
		MaxPasteSize: c.MaxPasteSize,
	})
	if err != nil {
		return err
	}
	util.Info().
		Str("compression", string(c.Compression)).
		Int("buffer_size", c.BufferSize).
		Str("names", c.NameScheme.String()).
		Msg("paste store ready")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c.RedisTimeout)
		if err != nil {
			if c.IsProduction() {
				return err
			}
			util.Warn().Err(err).Msg("redis unavailable, throttling locally")
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	limOpts := lim.Options{
		RPM:            c.RateLimit.RPM,
		Burst:          c.RateLimit.Burst,
		TrustedProxies: c.TrustedProxies,
	}
	if rdb != nil {
		limOpts.Shared = rdb
	}
	limiter, err := lim.New(limOpts)
	if err != nil {
		return err
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	g, gctx := errgroup.WithContext(ctx)

	_, swept, err := sweep.Start(gctx, sweep.Options{
		Dir:      c.Output,
		TTLDays:  c.DeleteAfter,
		Interval: c.SweepInterval,
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-swept
		return nil
	})

	server := api.NewServer(c, st, limiter, rdb)
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	rawOpts := raw.Options{
		Store:       st,
		Limiter:     limiter,
		Domain:      c.PublicDomain(),
		HTTPS:       c.HTTPS,
		IdleTimeout: c.RawIdleTimeout,
	}
	for mode, port := range map[raw.Mode]string{raw.Upload: c.RawPort, raw.Read: c.RawReadPort} {
		if port == "" {
			util.Info().Str("mode", string(mode)).Msg("raw listener disabled")
			continue
		}
		srv, err := raw.New(mode, rawOpts)
		if err != nil {
			return err
		}
		addr := net.JoinHostPort("", port)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, addr)
		})
	}

	start := time.Now()
	err = g.Wait()
	util.Info().Dur("uptime", time.Since(start)).Msg("all components stopped")
	return err
}
