package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/autopilot-defi/autopilot-indexer/internal/api/handler"
	"github.com/autopilot-defi/autopilot-indexer/internal/facade"
)

// Server wraps the HTTP server for the indexer read API
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates a new API server instance
func NewServer(store handler.Reader, fac *facade.Facade, logger *zap.Logger, addr string, adminToken string) (*Server, error) {
	h := handler.NewHandler(store, fac, logger, adminToken)
	router := h.NewRouter()

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: server,
		logger:     logger,
	}, nil
}

// Run starts the HTTP server and blocks until the context is canceled
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting HTTP API server", zap.String("addr", s.httpServer.Addr))

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
