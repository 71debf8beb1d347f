package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nkamura/llm-gateway/internal/config"
	"github.com/nkamura/llm-gateway/internal/gateway"
	"github.com/nkamura/llm-gateway/internal/platform/logger"
	"github.com/nkamura/llm-gateway/internal/platform/otel"
	"github.com/nkamura/llm-gateway/internal/registry"
	"github.com/nkamura/llm-gateway/internal/server"
	"github.com/nkamura/llm-gateway/internal/upstream"
	"github.com/nkamura/llm-gateway/internal/version"
)

func main() {
	logger.Initialize(logger.DefaultConfig())
	defer logger.Sync()
	log := logger.Get()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	go version.CheckForUpdates(log)

	var tracerShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdown, err := otel.InitTracer("llm-gateway", log, os.Stdout)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			tracerShutdown = shutdown
		}
	}

	// Shared upstream client, created once and closed on shutdown.
	client := upstream.NewClient(cfg.Upstream.BaseURL, log)

	reg := registry.New(client, registry.Options{
		TTL:        cfg.Registry.TTL(),
		Retries:    cfg.Registry.Retries,
		RetryDelay: cfg.Registry.RetryDelay(),
	}, log)

	// Prime the model cache. The upstream may still be booting; a failed
	// warmup only means resolution starts from an empty snapshot.
	warmupCtx, cancelWarmup := context.WithTimeout(context.Background(), 30*time.Second)
	reg.Warmup(warmupCtx)
	cancelWarmup()

	svc := gateway.NewService(client, reg, gateway.Config{
		DefaultModel:        cfg.Upstream.DefaultModel,
		SystemPromptEnabled: cfg.Inject.SystemPromptEnabled,
		SystemPrompt:        cfg.Inject.SystemPrompt,
	}, log)

	srv := server.New(cfg, log, svc)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Handler(),
		// No read/write timeouts: generation and streaming are
		// legitimately long-lived.
	}

	go func() {
		log.Info("gateway listening",
			zap.String("port", cfg.Server.Port),
			zap.String("upstream", cfg.Upstream.BaseURL),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown was forced", zap.Error(err))
	}

	// The server has drained by now; only idle upstream connections remain.
	client.Close()

	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
