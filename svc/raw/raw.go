// Package raw serves pastes over bare TCP, for netcat style clients: one
// port takes uploads, another hands pastes back by name.
package raw

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/SpyrosRoum/termpad/metrics"
	"github.com/SpyrosRoum/termpad/pkg/domain"
	"github.com/SpyrosRoum/termpad/svc/lim"
	"github.com/SpyrosRoum/termpad/svc/store"
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/pkg/errors"
)

type Mode string

const (
	Upload Mode = "upload"
	Read   Mode = "read"
)

const (
	DefaultIdleTimeout  = 2 * time.Second
	DefaultDrainTimeout = 10 * time.Second
	writeTimeout        = 30 * time.Second
	// an identifier line is a few dozen bytes, an URL a little more
	maxRequestLine = 512
)

type Options struct {
	Store   *store.Store
	Limiter *lim.Limiter
	Domain  string
	HTTPS   bool
	// IdleTimeout ends an upload after this much silence from the client
	// and bounds how long a reader may take to send its identifier.
	IdleTimeout time.Duration
	// DrainTimeout is how long Serve waits for open connections once its
	// context is done before aborting them.
	DrainTimeout time.Duration
}

type Server struct {
	mode   Mode
	store  *store.Store
	lim    *lim.Limiter
	domain string
	https  bool
	idle   time.Duration
	drain  time.Duration

	active sync.WaitGroup
}

func New(mode Mode, o Options) (*Server, error) {
	if mode != Upload && mode != Read {
		return nil, errors.Errorf("raw: unknown mode %q", mode)
	}
	if o.Store == nil {
		return nil, errors.New("raw: store is required")
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return &Server{
		mode:   mode,
		store:  o.Store,
		lim:    o.Limiter,
		domain: o.Domain,
		https:  o.HTTPS,
		idle:   o.IdleTimeout,
		drain:  o.DrainTimeout,
	}, nil
}

func (s *Server) Mode() Mode { return s.mode }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen for raw %s on %s", s.mode, addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is cancelled, then stops accepting
// and waits for the open ones to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	util.Info().Str("addr", ln.Addr().String()).Str("mode", string(s.mode)).Msg("raw server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			util.Error().Err(err).Str("mode", string(s.mode)).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		metrics.RawConnections.WithLabelValues(string(s.mode)).Inc()
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handle(connCtx, conn)
		}()
	}

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.drain):
		util.Warn().Str("mode", string(s.mode)).Msg("raw connections still open, aborting them")
		abort()
		<-drained
	}
	util.Info().Str("mode", string(s.mode)).Msg("raw server stopped")
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if rvr := recover(); rvr != nil {
			util.Error().Interface("panic", rvr).Str("mode", string(s.mode)).Msg("panic in raw connection")
		}
	}()
	client := lim.StripPort(conn.RemoteAddr().String())
	if s.lim != nil {
		if res := s.lim.Allow(ctx, client, "raw_"+string(s.mode)); !res.Allowed {
			s.reply(conn, "error: "+domain.ErrRateLimitExceeded.Msg)
			return
		}
	}
	switch s.mode {
	case Upload:
		s.upload(ctx, conn, client)
	case Read:
		s.read(ctx, conn, client)
	}
}

func (s *Server) upload(ctx context.Context, conn net.Conn, client string) {
	src := bufio.NewReader(&idleReader{conn: conn, idle: s.idle})
	if _, err := src.Peek(1); err != nil {
		util.Debug().Str("ip", util.RedactIP(client)).Msg("empty raw upload")
		s.reply(conn, "error: "+domain.ErrContentRequired.Msg)
		return
	}
	id, err := s.store.Create(ctx, src)
	if err != nil {
		if status := domain.Status(err); status >= 500 {
			util.Error().Err(err).Str("ip", util.RedactIP(client)).Msg("raw upload failed")
		} else {
			util.Warn().Err(err).Str("ip", util.RedactIP(client)).Msg("raw upload rejected")
		}
		s.reply(conn, "error: "+domain.ToResp(err).Error.Msg)
		return
	}
	util.Info().Str("paste_id", id).Str("ip", util.RedactIP(client)).Msg("paste created over raw socket")
	s.reply(conn, util.PasteURL(s.domain, id, s.https))
}

func (s *Server) read(ctx context.Context, conn net.Conn, client string) {
	conn.SetReadDeadline(time.Now().Add(s.idle))
	line, err := bufio.NewReader(io.LimitReader(conn, maxRequestLine)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) && !isTimeout(err) {
		util.Debug().Err(err).Str("ip", util.RedactIP(client)).Msg("raw read request failed")
		return
	}
	id := ParseRequest(line)
	if id == "" {
		s.reply(conn, "error: "+domain.ErrInvalidRequest.Msg)
		return
	}
	n, err := s.store.WriteTo(ctx, id, &deadlineWriter{conn: conn})
	if domain.IsNotFound(err) {
		util.Debug().Str("paste_id", id).Msg("raw read for missing paste")
		s.reply(conn, domain.ErrPasteNotFound.Msg)
		return
	}
	if err != nil {
		util.Error().Err(err).Str("paste_id", id).Int64("sent", n).Msg("raw read failed")
		if n == 0 {
			s.reply(conn, "error: "+domain.ErrIOFault.Msg)
		}
		return
	}
	util.Debug().Str("paste_id", id).Int64("bytes", n).Msg("paste sent over raw socket")
}

// ParseRequest pulls the identifier out of a read request line. Clients may
// send the bare name or the whole URL they were given.
func ParseRequest(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimRight(line, "/")
	if i := strings.LastIndexByte(line, '/'); i >= 0 {
		line = line[i+1:]
	}
	return line
}

func (s *Server) reply(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(conn, msg+"\n"); err != nil {
		util.Debug().Err(err).Msg("raw reply failed")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}

// idleReader turns a quiet connection into EOF: every read gets a fresh
// deadline and hitting it ends the stream cleanly.
type idleReader struct {
	conn net.Conn
	idle time.Duration
	done bool
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	r.conn.SetReadDeadline(time.Now().Add(r.idle))
	n, err := r.conn.Read(p)
	if err != nil && isTimeout(err) {
		r.done = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

type deadlineWriter struct {
	conn net.Conn
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.Write(p)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
