package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/config"
	"github.com/michaelbrown/penbox/internal/relay"
	"github.com/michaelbrown/penbox/internal/sandbox"
	"github.com/michaelbrown/penbox/internal/storage"
)

// Server is the HTTP server for the penbox API.
type Server struct {
	cfg       *config.Config
	executors *sandbox.ExecutorSet
	registry  *sandbox.Registry
	hub       *relay.Hub
	blobs     storage.Store
	history   *HistoryRecorder
	logger    *zap.Logger
	router    chi.Router
	http      *http.Server
}

// New creates a new Server. Sources are kept in blobs; history records the
// executions created through the API.
func New(cfg *config.Config, executors *sandbox.ExecutorSet, hub *relay.Hub, blobs storage.Store, history *HistoryRecorder, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		executors: executors,
		registry:  executors.Registry(),
		hub:       hub,
		blobs:     blobs,
		history:   history,
		logger:    logger,
		router:    chi.NewRouter(),
	}
	s.registry.OnPurge(s.history.Remove)
	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Templates
		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/suggest", s.handleSuggestTemplates)

		// Executions
		r.Get("/executions", s.handleListExecutions)
		r.Post("/executions", s.handleCreateExecution)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/executions/{id}/stop", s.handleStopExecution)

		// History
		r.Get("/history", s.handleListHistory)
		r.Get("/history/{id}", s.handleGetHistory)

		// Blobs
		r.Get("/blobs", s.handleListBlobs)
		r.Post("/blobs", s.handlePutBlob)
		r.Get("/blobs/{hash}", s.handleGetBlob)

		// WebSocket relay
		r.Get("/relay", s.handleRelay)
	})

	if s.cfg.Server.StaticDir != "" {
		r.Handle("/*", spaHandler(s.cfg.Server.StaticDir))
	}
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("penbox server starting", zap.String("addr", "http://localhost"+addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server, ends every live execution and
// waits, bounded by ctx, for their containers and images to be removed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	if s.http != nil {
		err = s.http.Shutdown(shutdownCtx)
	}
	err = errors.Join(err, s.registry.Shutdown(ctx))
	s.history.CloseAll()
	return err
}
