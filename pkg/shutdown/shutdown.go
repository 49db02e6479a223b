// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// CleanupFunc is a function called during shutdown.
type CleanupFunc func(ctx context.Context) error

// Handler manages graceful shutdown of multiple components.
type Handler struct {
	logger   *slog.Logger
	timeout  time.Duration
	cleanups []CleanupFunc
	mu       sync.Mutex
}

// New creates a new shutdown handler.
func New(logger *slog.Logger, timeout time.Duration) *Handler {
	return &Handler{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a cleanup function. Cleanups run in LIFO order.
func (h *Handler) Register(fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, fn)
}

// RegisterNamed adds a named cleanup function for better logging.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.Register(func(ctx context.Context) error {
		h.logger.Info("shutting down component", "component", name)
		if err := fn(ctx); err != nil {
			h.logger.Error("error shutting down component", "component", name, "error", err)
			return err
		}
		return nil
	})
}

// Wait blocks until a shutdown signal is received, then performs cleanup.
func (h *Handler) Wait() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	h.logger.Info("received shutdown signal", "signal", sig.String())

	h.Shutdown()
}

// Shutdown runs all registered cleanups in reverse order, bounded by the
// configured timeout.
func (h *Handler) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]CleanupFunc, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](ctx); err != nil {
				h.logger.Error("cleanup error", "error", err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("graceful shutdown completed")
	case <-ctx.Done():
		h.logger.Warn("shutdown timed out, forcing exit")
	}
}
