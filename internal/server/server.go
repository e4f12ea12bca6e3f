package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/farmx/apiserver/config"
	"github.com/farmx/apiserver/internal/auth"
	"github.com/farmx/apiserver/internal/db"
	"github.com/farmx/apiserver/internal/delegate"
	"github.com/farmx/apiserver/internal/handlers"
	"github.com/farmx/apiserver/internal/logger"
	"github.com/farmx/apiserver/internal/metrics"
	"github.com/farmx/apiserver/internal/mq"
	"github.com/farmx/apiserver/internal/services"
	"github.com/farmx/apiserver/internal/storage"
	"github.com/farmx/apiserver/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	requestTimeoutSlack   = 15 * time.Second
	apiPrefix             = "/api"
)

// Server wraps the HTTP server, its router and the clients it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	storage    *storage.Storage
	broker     *mq.MQ
	logger     *slog.Logger
}

// New wires every component selected by cfg.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{logger: log}
	ok := false
	defer func() {
		if !ok {
			s.closeClients()
		}
	}()

	users, err := s.openUserRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	authService, err := services.NewAuthService(users,
		auth.NewPasswordHasher(cfg.JWT.BcryptCost),
		auth.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.TTL),
		log)
	if err != nil {
		return nil, err
	}

	s.storage, err = storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open upload storage: %w", err)
	}

	s.broker, err = mq.Open(ctx, cfg.MQ)
	if err != nil {
		return nil, fmt.Errorf("open message broker: %w", err)
	}
	var publisher services.EventPublisher
	if s.broker != nil {
		publisher = s.broker
	}

	uploadService, err := services.NewUploadService(s.storage, services.UploadOptions{
		PublicBaseURL: cfg.Upload.PublicBaseURL,
		Analyzer:      services.StaticAnalyzer{Text: cfg.Upload.AnalysisText},
		Publisher:     publisher,
		Topic:         cfg.MQ.UploadTopic,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	registry := metrics.NewRegistry()
	worker, err := delegate.NewProcessDelegate(delegate.Options{
		Path:          cfg.Delegate.Path,
		Args:          cfg.Delegate.Args,
		WorkDir:       cfg.Delegate.WorkDir,
		EnvPathVar:    cfg.Delegate.EnvPathVar,
		Timeout:       cfg.Delegate.Timeout,
		MaxConcurrent: cfg.Delegate.MaxConcurrent,
		Policy:        delegate.BusyPolicy(cfg.Delegate.BusyPolicy),
		Logger:        log,
		Metrics:       delegate.NewMetrics(registry),
	})
	if err != nil {
		return nil, fmt.Errorf("configure analysis delegate: %w", err)
	}

	s.router = newRouter(cfg, log, registry, routes{
		auth:    authService,
		uploads: handlers.NewUploadHandler(uploadService, s.storage, cfg.Upload.MaxBytes, log),
		queries: handlers.NewQueryHandler(services.NewQueryService(worker, log), cfg.Delegate.ExposeDetails),
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 5001
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ok = true
	return s, nil
}

func (s *Server) openUserRepository(ctx context.Context, cfg config.Config) (services.UserRepository, error) {
	if cfg.Store == config.StoreMemory {
		s.logger.Warn("using in-memory credential store; accounts are lost on restart")
		return store.NewMemoryUserRepository(), nil
	}
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	s.db = conn
	return store.NewUserRepository(conn), nil
}

type routes struct {
	auth    *services.AuthService
	uploads *handlers.UploadHandler
	queries *handlers.QueryHandler
}

func newRouter(cfg config.Config, log *slog.Logger, registry *prometheus.Registry, h routes) *chi.Mux {
	requestTimeout := defaultRequestTimeout
	if t := cfg.Delegate.Timeout + requestTimeoutSlack; t > requestTimeout {
		requestTimeout = t
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logger.StructuredLogger(log),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}),
		metrics.NewHTTP(registry).Middleware,
		middleware.Timeout(requestTimeout),
	)
	router.Handle("/metrics", metrics.Handler(registry))

	mount := func(r chi.Router) {
		r.Get("/healthz", handlers.Healthz)
		r.Route("/auth", func(r chi.Router) {
			handlers.AuthRouter(r, h.auth)
		})
		r.Route("/images", func(r chi.Router) {
			handlers.ImageRouter(r, h.uploads)
		})
		r.Route("/uploads", func(r chi.Router) {
			handlers.FileRouter(r, h.uploads)
		})
		handlers.QueryRouter(r, h.queries)
	}
	mount(router)
	router.Route(apiPrefix, mount)

	return router
}

// Router exposes the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx
// expires and then releases the clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.closeClients()
	return err
}

func (s *Server) closeClients() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Warn("close message broker", slog.Any("error", err))
		}
	}
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.logger.Warn("close upload storage", slog.Any("error", err))
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
