package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/SpyrosRoum/termpad/cfg"
	"github.com/SpyrosRoum/termpad/svc/db"
	"github.com/SpyrosRoum/termpad/svc/lim"
	"github.com/SpyrosRoum/termpad/svc/store"
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	store      *store.Store
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer wires the HTTP routes. l and rdb may be nil.
func NewServer(c *cfg.Cfg, st *store.Store, l *lim.Limiter, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		store:  st,
		lim:    l,
		cfg:    c,
		rdb:    rdb,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Observe)
		r.Use(mw.SecurityHeaders)
		hdl := &Hdl{store: st, cfg: c}
		r.Get("/", hdl.Input)
		r.Get("/usage", hdl.Usage)
		r.With(mw.RateLimit("upload")).Post("/", hdl.Upload)
		r.With(mw.RateLimit("read")).Get("/raw/{id}", hdl.Raw)
		r.With(mw.RateLimit("read")).Get("/{id}", hdl.Render)
	})
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetTimeouts bounds whole requests. Uploads and raw downloads are streams
// of unknown length, so by default only the header read is bounded.
func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	util.Info().Str("addr", ln.Addr().String()).Msg("starting http server")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
