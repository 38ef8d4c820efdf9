// Package server wires the orchestrator, stores, and HTTP surface together
// and owns process lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jhj0517/ComfyUI-backend/internal/api"
	"github.com/jhj0517/ComfyUI-backend/internal/config"
	"github.com/jhj0517/ComfyUI-backend/internal/core/delivery"
	"github.com/jhj0517/ComfyUI-backend/internal/core/engine/comfy"
	"github.com/jhj0517/ComfyUI-backend/internal/core/event"
	"github.com/jhj0517/ComfyUI-backend/internal/core/job"
	"github.com/jhj0517/ComfyUI-backend/internal/core/notify"
	"github.com/jhj0517/ComfyUI-backend/internal/core/orchestrator"
	"github.com/jhj0517/ComfyUI-backend/internal/core/workflow"
	"github.com/jhj0517/ComfyUI-backend/internal/observability"
)

func Run(ctx context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Debug().Str("level", cfg.Logging.Level).Msg("log level configured")

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}

	templates := workflow.NewStore(cfg.Workflows.Dir)
	if err := templates.Load(); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	client := comfy.NewClient(
		cfg.Comfy.BaseURL(),
		cfg.Comfy.ClientID,
		config.Duration(cfg.Comfy.SubmitTimeout, 30*time.Second),
	)

	bus := event.NewBus()
	machine := job.NewMachine(store, bus)

	orc := orchestrator.New(templates, machine, client, orchestrator.Config{
		MaxJobDuration:    config.Duration(cfg.Comfy.MaxJobDuration, 30*time.Minute),
		StreamMaxRetries:  cfg.Comfy.Stream.MaxRetries,
		StreamBaseBackoff: config.Duration(cfg.Comfy.Stream.BaseBackoff, 2*time.Second),
		StreamMaxBackoff:  config.Duration(cfg.Comfy.Stream.MaxBackoff, time.Minute),
	})

	deliverer, err := buildDeliverer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("asset delivery: %w", err)
	}

	var notifier *notify.Notifier
	if cfg.Webhook.URL != "" {
		notifier = notify.New(
			cfg.Webhook.URL,
			cfg.Webhook.Secret,
			cfg.Webhook.MaxAttempts,
			config.Duration(cfg.Webhook.BaseBackoff, time.Second),
		)
		log.Info().Str("url", cfg.Webhook.URL).Msg("webhook notifier enabled")
	}

	metrics := observability.NewMetrics()
	wireSideEffects(bus, machine, deliverer, notifier, metrics)

	e := echo.New()
	e.HideBanner = true

	api.SetupRouter(e, api.RouterConfig{
		Orchestrator: orc,
		Metrics:      metrics.Handler(),
	})

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info().Str("addr", addr).Str("engine", cfg.Comfy.BaseURL()).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orc.Shutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	ttl := config.Duration(cfg.Jobs.TTL, 24*time.Hour)
	switch cfg.Jobs.Store {
	case "memory":
		log.Warn().Msg("using in-memory job store; records do not survive restarts")
		return job.NewMemoryStore(ttl), nil
	case "redis", "":
		store, err := job.NewRedisStoreFromURL(ctx, cfg.Redis.URL, ttl)
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.Redis.URL).Dur("ttl", ttl).Msg("redis job store connected")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown job store %q", cfg.Jobs.Store)
	}
}

func buildDeliverer(ctx context.Context, cfg *config.Config) (*delivery.Deliverer, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}
	if cfg.Storage.Bucket == "" {
		return nil, fmt.Errorf("storage enabled but no bucket configured")
	}

	objects, err := delivery.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	opts := []delivery.Option{
		delivery.WithCleanup(cfg.Storage.CleanupAfterUpload),
	}
	if cfg.CloudFront.Enabled {
		signer, err := delivery.NewURLSigner(cfg.CloudFront)
		if err != nil {
			return nil, err
		}
		opts = append(opts, delivery.WithSigner(signer))
		log.Info().Str("domain", cfg.CloudFront.Domain).
			Bool("signed", cfg.CloudFront.SignedURLs).Msg("cloudfront delivery enabled")
	}

	log.Info().Str("bucket", cfg.Storage.Bucket).Msg("s3 asset delivery enabled")
	return delivery.New(objects, cfg.Storage.Prefix, opts...), nil
}
