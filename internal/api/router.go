// Package api provides the HTTP router and server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atlas-kb/atlas/internal/api/handlers"
	"github.com/atlas-kb/atlas/internal/api/middleware"
)

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Logger *slog.Logger

	Repository handlers.KnowledgeBaseStore
	Documents  handlers.DocumentStore
	Chunks     handlers.ChunkReader
	Ingestor   handlers.Ingestor

	Conversations handlers.ConversationStore
	ChatService   handlers.ChatService

	Settings        handlers.SettingsStore
	SettingDefaults map[string]string

	Models handlers.ModelLister

	// Named dependencies probed by the readiness endpoint.
	HealthChecks map[string]handlers.HealthChecker
}

// RouterConfig holds router-level settings.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// DefaultRouterConfig returns the default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins: []string{"*"},
		RequestTimeout: 60 * time.Second,
	}
}

// NewRouter builds the chi router with the full middleware stack and all
// routes.
func NewRouter(deps Dependencies, cfg RouterConfig) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Conversation-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", handlers.HealthCheck("atlas"))
	r.Get("/ready", handlers.ReadyCheck(deps.HealthChecks))

	r.Route("/api", func(r chi.Router) {
		r.Route("/knowledge-bases", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Post("/", handlers.CreateKnowledgeBase(deps.Repository, logger))
			r.Get("/", handlers.ListKnowledgeBases(deps.Repository, logger))
			r.Get("/{id}", handlers.GetKnowledgeBase(deps.Repository, logger))
			r.Put("/{id}", handlers.UpdateKnowledgeBase(deps.Repository, logger))
			r.Delete("/{id}", handlers.DeleteKnowledgeBase(deps.Repository, deps.Ingestor, logger))
		})

		r.Route("/documents", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Post("/upload", handlers.UploadDocument(deps.Repository, deps.Ingestor, logger))
			r.Get("/", handlers.ListDocuments(deps.Documents, logger))
			r.Get("/{id}", handlers.GetDocument(deps.Documents, deps.Chunks, logger))
			r.Get("/{id}/chunks/{index}", handlers.GetDocumentChunk(deps.Chunks, logger))
			r.Post("/{id}/reindex", handlers.ReindexDocument(deps.Ingestor, logger))
			r.Delete("/{id}", handlers.DeleteDocument(deps.Ingestor, logger))
		})

		r.Route("/chat", func(r chi.Router) {
			// No timeout middleware here: chat streams for as long as the
			// model generates.
			r.Post("/", handlers.HandleChat(deps.ChatService, logger))
			r.Route("/conversations", func(r chi.Router) {
				r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
				r.Post("/", handlers.CreateConversation(deps.Conversations, logger))
				r.Get("/", handlers.ListConversations(deps.Conversations, logger))
				r.Get("/{id}", handlers.GetConversation(deps.Conversations, logger))
				r.Put("/{id}", handlers.UpdateConversation(deps.Conversations, logger))
				r.Delete("/{id}", handlers.DeleteConversation(deps.Conversations, logger))
			})
		})

		r.Route("/history", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Get("/messages/{id}", handlers.GetConversationMessages(deps.Conversations, logger))
		})

		r.Route("/settings", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Get("/", handlers.GetSettings(deps.Settings, deps.SettingDefaults, logger))
			r.Put("/", handlers.UpdateSettings(deps.Settings, logger))
			r.Post("/reset", handlers.ResetSettings(deps.Settings, logger))
		})

		r.With(chimiddleware.Timeout(cfg.RequestTimeout)).
			Get("/models", handlers.ListModels(deps.Models, logger))
	})

	return r
}

// Server wraps the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string
	Port        int
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// NewServer creates the HTTP server. Write timeouts are left unset so SSE
// streams are not cut off mid-generation.
func NewServer(handler http.Handler, cfg ServerConfig, logger *slog.Logger) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			IdleTimeout: cfg.IdleTimeout,
		},
		logger: logger,
	}
}

// Start blocks serving requests until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
