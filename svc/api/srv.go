package api

import (
	"context"
	"net/http"
	"time"

	"snipbin/cfg"
	"snipbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Backends are probed by /ready. A nil Cache means the process-local LRU
// is the only cache tier.
type Backends struct {
	Metadata Pinger
	Cache    Pinger
	Blob     Pinger
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	backends   Backends
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p PasteService, b Backends) *Server {
	r := chi.NewRouter()
	mw := NewMw(c)
	s := &Server{
		router:   r,
		cfg:      c,
		backends: b,
	}
	r.Use(mw.CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(mw.Recoverer)
		r.Use(mw.Instrument)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", util.RedactQuery(req.URL.String())).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		hdl := &Hdl{paste: p, cfg: c, now: time.Now}
		r.Post("/paste", hdl.CreatePaste)
		r.Get("/{shortlink}", hdl.GetPaste)
	})
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
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
