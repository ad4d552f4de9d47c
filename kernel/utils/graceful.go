package utils

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// GracefulShutdown runs registered teardown functions in reverse
// registration order, the way resources were layered on startup.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedFn
	timeout    time.Duration
	logger     *Logger
}

type namedFn struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedFn{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions, LIFO. Teardown of
// a shared region must happen after the clients mapped on it are closed,
// so the functions run sequentially. All failures are returned combined.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	fns := make([]namedFn, len(g.shutdownFn))
	copy(fns, g.shutdownFn)
	g.shutdownFn = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(fns)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i].fn(); err != nil {
				g.logger.Error("Shutdown function failed", String("component", fns[i].name), Err(err))
				errs = multierr.Append(errs, WrapError(err, fns[i].name))
			}
		}
		done <- errs
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		g.logger.Info("Graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
