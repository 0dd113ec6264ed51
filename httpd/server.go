package httpd

import (
	"context"
	"net/http"
	"time"

	"github.com/effective-security/xlog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "httpd")

// Config holds HTTP server settings.
type Config struct {
	ListenAddr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RequestTimeout caps one signing/listing request, a stuck token
	// call is failed and its resources released when it expires.
	RequestTimeout           time.Duration
	GracefulShutdownDuration time.Duration
}

func (cfg *Config) withDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8970"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 40 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.GracefulShutdownDuration == 0 {
		cfg.GracefulShutdownDuration = 5 * time.Second
	}
}

// Server serves the signing API.
type Server struct {
	cfg     *Config
	handler *Handler
	srv     *http.Server
	isReady atomic.Bool
}

// New returns a server for the given handler.
func New(cfg *Config, handler *Handler) *Server {
	cfg.withDefaults()

	srv := &Server{
		cfg:     cfg,
		handler: handler,
	}
	srv.isReady.Store(true)
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(srv.corsMiddleware)
	mux.Use(srv.logMiddleware)

	mux.Get("/health", srv.handler.HandleHealth)
	mux.Get("/readyz", srv.handleReady)

	mux.Route("/api/token", func(r chi.Router) {
		// token calls block on hardware, cap each request
		r.Use(middleware.Timeout(srv.cfg.RequestTimeout))
		r.Post("/test", srv.handler.HandleTest)
		r.Post("/certificates", srv.handler.HandleCertificates)
		r.Post("/sign", srv.handler.HandleSign)
		r.Post("/info", srv.handler.HandleInfo)
	})

	return mux
}

// handleReady reports readiness: 200 while serving, 503 once
// graceful shutdown has started so callers can drain.
func (srv *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not_ready", "server is shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// corsMiddleware allows browser callers on the same host.
func (srv *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.KV(xlog.INFO,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"ms", time.Since(start).Milliseconds(),
		)
	})
}

// Router returns the configured HTTP handler.
func (srv *Server) Router() http.Handler {
	return srv.srv.Handler
}

// RunInBackground starts serving without blocking.
func (srv *Server) RunInBackground() {
	go func() {
		logger.KV(xlog.INFO, "status", "listening", "addr", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.KV(xlog.ERROR, "reason", "serve", "err", err.Error())
		}
	}()
}

// Shutdown stops the server gracefully.
func (srv *Server) Shutdown() {
	srv.isReady.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		logger.KV(xlog.ERROR, "reason", "shutdown", "err", err.Error())
	} else {
		logger.KV(xlog.INFO, "status", "stopped")
	}
}
