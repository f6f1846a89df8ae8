// Package server assembles the HTTP facade: the chi router, the standard
// middleware chain, and the listener lifecycle. Route handlers live in the
// handlers subpackage; this package only wires them together.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gostratus/internal/errors"
	"github.com/3leaps/gostratus/internal/server/handlers"
	"github.com/3leaps/gostratus/internal/server/middleware"
)

// adminTokenEnv names the environment variable that enables the privileged
// /admin routes. When unset the routes are not registered at all.
const adminTokenEnv = "GOSTRATUS_ADMIN_TOKEN"

// SignalFunc handles one admin signal by name.
type SignalFunc func(ctx context.Context, signal string) error

// Option customizes a Server at construction.
type Option func(*Server)

// WithLogger attaches the request logger. Without one, requests are not
// logged.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithJobs mounts the jobs API under /api/v1/jobs.
func WithJobs(api *handlers.JobsAPI) Option {
	return func(s *Server) { s.jobs = api }
}

// WithVersion sets the document served at /version.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithTimeouts overrides the listener timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// WithAdminSignal installs the dispatcher behind POST /admin/signal. The
// route still requires the admin token environment variable.
func WithAdminSignal(f SignalFunc) Option {
	return func(s *Server) { s.signal = f }
}

// WithPprof mounts the net/http/pprof handlers under /debug/pprof. Off by
// default; profiling endpoints expose internals and belong behind the
// debug config switch.
func WithPprof() Option {
	return func(s *Server) { s.pprof = true }
}

// Server is the HTTP facade for the job engine.
type Server struct {
	host string
	port int

	log     *zap.Logger
	jobs    *handlers.JobsAPI
	version handlers.VersionInfo
	signal  SignalFunc
	pprof   bool

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router chi.Router
	http   *http.Server
}

// New builds a server for host:port. The router is assembled immediately so
// Handler works without starting a listener.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		version:      handlers.VersionInfo{Version: "dev", Commit: "none", BuildDate: "unknown"},
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if s.log != nil {
		r.Use(middleware.RequestLogger(s.log))
	}
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s", req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteError(w, req, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", req.Method, req.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.jobs != nil {
		r.Mount("/api/v1/jobs", s.jobs.Routes())
	}

	if s.pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", pprof.Index)
			r.Get("/cmdline", pprof.Cmdline)
			r.Get("/profile", pprof.Profile)
			r.Get("/symbol", pprof.Symbol)
			r.Post("/symbol", pprof.Symbol)
			r.Get("/trace", pprof.Trace)
			r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
				pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
			})
		})
	}

	s.registerAdminRoutes(r)
	return r
}

// registerAdminRoutes adds the privileged routes when the admin token is
// configured. Without the token the routes do not exist, so probing them
// yields the same 404 as any unknown path.
func (s *Server) registerAdminRoutes(r chi.Router) {
	token := strings.TrimSpace(os.Getenv(adminTokenEnv))
	if token == "" {
		return
	}
	r.Post("/admin/signal", s.adminSignalHandler(token))
}

// adminSignalHandler authenticates and dispatches admin signals. Bad tokens
// get the anonymous 404, not a 401: the route should be invisible to
// callers without the secret.
func (s *Server) adminSignalHandler(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			apperrors.WriteError(w, r, apperrors.CodeNotFound,
				fmt.Sprintf("no route for %s", r.URL.Path))
			return
		}

		var req struct {
			Signal string `json:"signal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteError(w, r, apperrors.CodeInvalidArgument,
				fmt.Sprintf("decode request body: %v", err))
			return
		}
		if s.signal == nil {
			apperrors.WriteError(w, r, apperrors.CodeServiceUnavailable,
				"no signal dispatcher configured")
			return
		}
		if err := s.signal(r.Context(), req.Signal); err != nil {
			apperrors.RespondWithError(w, r, err)
			return
		}

		if s.log != nil {
			s.log.Info("Admin signal dispatched", zap.String("signal", req.Signal))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "signal": req.Signal})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown. The ErrServerClosed from a clean shutdown is
// not reported as a failure.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	if s.log != nil {
		s.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	}

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
