// Package main wires together the extraction service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmarchant/webextract/internal/api"
	"github.com/rmarchant/webextract/internal/budget"
	"github.com/rmarchant/webextract/internal/cache"
	"github.com/rmarchant/webextract/internal/clock"
	"github.com/rmarchant/webextract/internal/config"
	"github.com/rmarchant/webextract/internal/extract"
	"github.com/rmarchant/webextract/internal/logging"
	"github.com/rmarchant/webextract/internal/pipeline"
	"github.com/rmarchant/webextract/internal/progress"
	"github.com/rmarchant/webextract/internal/progress/sinks"
	"github.com/rmarchant/webextract/internal/render"
	"github.com/rmarchant/webextract/internal/resilience"
	"github.com/rmarchant/webextract/internal/session"
	"github.com/rmarchant/webextract/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.AsLoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSystem()
	invoker := resilience.NewInvoker(cfg.Breaker.AsBreaker(), logger.Named("resilience"))

	engine, err := render.NewEngine(cfg.Render.AsEngineConfig(), logger.Named("render"))
	if err != nil {
		logger.Fatal("render engine init failed", zap.Error(err))
	}

	pool, err := session.NewPool(cfg.Pool.AsPoolConfig(), engine, invoker, clk, logger.Named("pool"))
	if err != nil {
		logger.Fatal("session pool init failed", zap.Error(err))
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "memory":
		backend = cache.NewMemory(clk)
	case "filesystem":
		backend, err = cache.NewFilesystem(cfg.Cache.Dir, clk)
		if err != nil {
			logger.Fatal("cache init failed", zap.Error(err))
		}
	}
	caches := cache.NewManager(backend, logger.Named("cache"))

	factory := extract.NewFactory(cfg.ProviderConfigs(), invoker, logger.Named("extract"))

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	var artifacts storage.Store
	if cfg.Artifacts.Dir != "" {
		artifacts, err = storage.NewLocal(cfg.Artifacts.Dir)
		if err != nil {
			logger.Fatal("artifact store init failed", zap.Error(err))
		}
	}

	orc, err := pipeline.New(pipeline.Config{
		DefaultProvider: cfg.Extract.DefaultProvider,
		RenderPolicy:    cfg.Render.Retry.AsPolicy(),
		Budget:          cfg.Budget.AsBudget(),
		RenderTTL:       cfg.Cache.RenderTTL(),
		ExtractTTL:      cfg.Cache.ExtractTTL(),
	}, pool, engine, budget.New(nil), factory, caches, invoker, artifacts, hub, nil, logger.Named("pipeline"))
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	apiServer := api.NewServer(orc, factory, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		caches.SweepLoop(gctx, cfg.Cache.SweepInterval())
		return nil
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("service error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool.CloseAll(shutdownCtx)
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error("render engine shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
