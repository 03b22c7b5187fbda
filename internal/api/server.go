// Package api provides the HTTP server and routing.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/graphkb/graphkb/internal/api/handlers"
	"github.com/graphkb/graphkb/internal/auth"
	"github.com/graphkb/graphkb/internal/cache"
	"github.com/graphkb/graphkb/internal/config"
	"github.com/graphkb/graphkb/internal/metrics"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/repo"
	"github.com/graphkb/graphkb/internal/schema"
)

// User lookups during token verification are cached briefly so that a burst
// of requests from one client costs a single SELECT.
const (
	userCacheSize = 1024
	userCacheTTL  = 30 * time.Second
)

// Server represents the HTTP server.
type Server struct {
	config  *config.Config
	repo    *repo.Repo
	tokens  *auth.TokenManager
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Metrics
	users   *cache.UserCache
}

// NewServer creates a new HTTP server. The metrics instance is shared with
// the instrumented store so the whole pipeline reports into one registry.
func NewServer(cfg *config.Config, rp *repo.Repo, tokens *auth.TokenManager, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		config:  cfg,
		repo:    rp,
		tokens:  tokens,
		logger:  logger,
		metrics: m,
		users:   cache.NewUserCache(userCacheSize, userCacheTTL),
	}

	s.setupRouter()
	return s
}

// Metrics returns the metrics instance for recording custom metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(s.config.Server.WriteTimeout) * time.Second))

	h := handlers.New(s.repo, s.tokens, s.logger)

	// Health check
	r.Get("/", h.HealthCheck)

	// Metrics endpoint
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/token", h.IssueToken)
		r.Get("/version", h.GetVersion)

		// Everything else requires a verified token.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.tokens, s.loadUser, s.rejectAuth))

			r.Get("/schema", h.GetSchema)
			r.Get("/stats", h.GetStats)
			r.Get("/records", h.GetRecords)
			r.Get("/statements/search", h.SearchStatements)

			for _, c := range s.repo.Schema().Classes() {
				s.routeClass(r, h, c)
			}
		})
	})

	s.router = r
}

// routeClass registers the per-class record routes for each exposed verb.
func (s *Server) routeClass(r chi.Router, h *handlers.Handler, c *schema.ClassModel) {
	if c.IsAbstract || c.IsEmbedded || len(c.ExposedOperations) == 0 {
		return
	}
	route := "/" + c.RouteName()
	if c.Exposes(schema.OpGet) {
		r.Get(route, s.instrument(c, "query", h.ListRecords(c)))
		r.Get(route+"/{rid}", s.instrument(c, "query", h.GetRecord(c)))
		r.Post(route+"/search", s.instrument(c, "query", h.SearchClass(c)))
	}
	if c.Exposes(schema.OpPost) {
		r.Post(route, s.instrument(c, "create", h.CreateRecord(c)))
	}
	if c.Exposes(schema.OpPatch) {
		r.Patch(route+"/{rid}", s.instrument(c, "update", h.UpdateRecord(c)))
	}
	if c.Exposes(schema.OpDelete) {
		r.Delete(route+"/{rid}", s.instrument(c, "delete", h.DeleteRecord(c)))
	}
}

var errRequestFailed = errors.New("request failed")

// instrument records per-class query and write outcomes around a handler.
func (s *Server) instrument(c *schema.ClassModel, op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		failed := ww.Status() >= http.StatusBadRequest
		if op == "query" {
			var err error
			if failed {
				err = errRequestFailed
			}
			s.metrics.RecordQuery(c.Name, time.Since(start), err)
			return
		}
		s.metrics.RecordWrite(c.Name, op, !failed)
	}
}

// loadUser resolves the token subject to a live user record.
func (s *Server) loadUser(ctx context.Context, name string) (*model.User, error) {
	if user, ok := s.users.Get(name); ok {
		return user, nil
	}
	user, err := s.repo.UserByName(ctx, name)
	if err != nil {
		return nil, err
	}
	s.users.Set(name, user)
	return user, nil
}

// rejectAuth writes the authentication failure response.
func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.RecordAuthAttempt("token", false, "invalid")
	handlers.WriteError(w, s.logger, err)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.config.Address())
}
