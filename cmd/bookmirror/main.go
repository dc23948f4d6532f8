package main

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Papabyte/upbit-orderbook-replication/internal/config"
	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/bittrex"
	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/upbit"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/health"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/http/middleware"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/log"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/metrics"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/netutil"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/runner"
	"github.com/Papabyte/upbit-orderbook-replication/internal/infra/version"
	"github.com/Papabyte/upbit-orderbook-replication/internal/mirror"
)

const unwindGrace = 1 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger := log.NewLogger(cfg)

	// Init metrics and start HTTP endpoint
	registry := metrics.Init(logger)
	mux := http.NewServeMux()
	// admin endpoints (metrics, pprof) behind IP allowlist gate
	adminCIDRs := netutil.MustParseCIDRs(cfg.Server.AdminAllowCIDRs)
	mux.Handle("/metrics", middleware.AdminGate(adminCIDRs, metrics.Handler(registry)))
	mux.HandleFunc("/healthz", health.Healthz)
	mux.HandleFunc("/readyz", health.Readyz)
	mux.HandleFunc("/version", version.Handler)
	if cfg.Server.Pprof {
		mux.Handle("/debug/pprof/", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Index)))
		mux.Handle("/debug/pprof/cmdline", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Profile)))
		mux.Handle("/debug/pprof/symbol", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Symbol)))
		mux.Handle("/debug/pprof/trace", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Trace)))
	}

	// wrap mux with middlewares (request id and logging)
	handler := middleware.RequestID(middleware.Logger(logger)(mux))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	engine := mirror.New(cfg, bittrex.New(cfg), upbit.New(cfg), logger)
	unwinder := mirror.NewUnwinder(engine, unwindGrace, logger)

	logger.Info().Str("pair", cfg.Pair()).Str("addr", cfg.Server.Addr).Msg("orderbook replication starting")

	g := &runner.Group{}
	workerErrCh := g.Go(ctx, engine.Run)

	// mark ready after initialization completes
	health.SetReady(true)

	// Wait for termination signals or worker error. Every exit trigger funnels
	// through the same unwind path below.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	code := 0
	select {
	case <-ctx.Done():
	case s := <-sigCh:
		logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
		code = 1
	case err := <-workerErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("engine error")
			code = 1
		}
	}

	// mark not ready, stop the engine, then cancel all resting exposure
	health.SetReady(false)
	cancel()
	select {
	case <-workerErrCh:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("engine did not stop in time, unwinding anyway")
	}
	unwindCtx, cancelUnwind := context.WithTimeout(context.Background(), unwindGrace+10*time.Second)
	unwinder.Unwind(unwindCtx)
	cancelUnwind()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
	return code
}
