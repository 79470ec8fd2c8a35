// Package server provides the service lifecycle runner: signal handling,
// the health endpoint, graceful drain, and ordered resource cleanup.
// The cmd entrypoint wires dependencies and hands the finished handler here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// Cleanup releases one resource during shutdown. Run closes cleanups in
// reverse registration order, mirroring startup.
type Cleanup struct {
	Name  string
	Close func(ctx context.Context) error
}

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service in logs and health responses.
	Name string

	// Handler serves every route except /healthz.
	Handler http.Handler

	Logger *slog.Logger

	// Port is ignored when Listener is non-nil (enables port-0 testing).
	Port     int
	Listener net.Listener

	// DrainDelay is how long /healthz reports shutting_down before the
	// listener closes, so load balancers can remove the endpoint first.
	DrainDelay time.Duration

	// Health supplies extra health-payload fields, such as the active
	// rate-limit store mode. May be nil.
	Health func() map[string]string

	// Cleanup funcs run after the HTTP server has drained.
	Cleanup []Cleanup
}

// Run executes the full service lifecycle: signal handling, HTTP server with
// health checks, and graceful shutdown. It blocks until shutdown completes.
// Context cancellation and SIGTERM/SIGINT are equivalent triggers.
func Run(ctx context.Context, p Params) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Health check shutdown coordination via atomic flag.
	var shuttingDown atomic.Bool

	// The health endpoint lives outside the API handler so probes bypass
	// the security gates and rate limits entirely.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]string{"status": "healthy", "service": p.Name}
		if p.Health != nil {
			for k, v := range p.Health() {
				payload[k] = v
			}
		}
		code := http.StatusOK
		if shuttingDown.Load() {
			payload["status"] = "shutting_down"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.Handle("/", p.Handler)

	// Bind listener (use injected listener or create from the configured port).
	ln := p.Listener
	if ln == nil {
		var err error
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.Port))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	httpServer := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// Progressive login delays reach ten seconds; writes must outlast them.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Structured concurrency via errgroup ---
	g, ctx := errgroup.WithContext(ctx)

	// Goroutine 1: Serve HTTP
	g.Go(func() error {
		p.Logger.Info("starting HTTP server",
			slog.String("service", p.Name),
			slog.String("addr", ln.Addr().String()),
		)
		if serveErr := httpServer.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Goroutine 2: Shutdown trigger — waits for context cancellation, then drains.
	// Shutdown order is the explicit reverse of startup: HTTP server first,
	// then wired resources newest to oldest.
	g.Go(func() error {
		<-ctx.Done()
		p.Logger.Info("received shutdown signal, starting graceful shutdown")

		// 1. Mark shutting down — health checks return 503
		shuttingDown.Store(true)

		// 2. Drain delay — let load balancer propagate endpoint removal
		time.Sleep(p.DrainDelay)

		// 3. Drain HTTP server and release resources under one shared budget.
		budget, cancel := context.WithTimeout(context.Background(), domain.GracefulShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(budget); shutdownErr != nil {
			p.Logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}

		// 4. Close cleanups in reverse registration order.
		for i := len(p.Cleanup) - 1; i >= 0; i-- {
			c := p.Cleanup[i]
			if closeErr := c.Close(budget); closeErr != nil {
				p.Logger.Error("resource cleanup failed",
					slog.String("resource", c.Name),
					slog.String("error", closeErr.Error()),
				)
			}
		}

		p.Logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
