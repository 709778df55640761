package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/adreel/internal/admin"
	"github.com/bobarin/adreel/internal/api"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/billing"
	"github.com/bobarin/adreel/internal/briefs"
	"github.com/bobarin/adreel/internal/config"
	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/dispatch"
	"github.com/bobarin/adreel/internal/events"
	"github.com/bobarin/adreel/internal/lease"
	"github.com/bobarin/adreel/internal/logging"
	"github.com/bobarin/adreel/internal/production"
	"github.com/bobarin/adreel/internal/storage"
	"github.com/bobarin/adreel/internal/worker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.Config{})
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "api"})
	logger.Info().Msg("Starting AdReel API...")

	// Connect to database (migrations run on open)
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	log.Info().Str("dialect", database.Dialect()).Msg("Connected to database")

	// Realtime events are optional
	var publisher events.Publisher = events.Nop{}
	var feed events.Feed = events.Nop{}
	if cfg.RedisURL != "" {
		redisPub, err := events.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisPub.Close()
		publisher, feed = redisPub, redisPub
		log.Info().Msg("Publishing lifecycle events to Redis")
	} else {
		log.Warn().Msg("REDIS_URL not set, realtime events disabled")
	}

	// Absolute image URLs pass through even when storage is unconfigured
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	if !cfg.StorageEnabled() {
		log.Warn().Msg("Supabase storage not configured, only absolute image URLs are accepted")
	}

	var writer briefs.Writer
	switch cfg.BriefProvider {
	case "openai":
		writer = briefs.NewOpenAIWriter(cfg.OpenAIKey)
	case "gemini":
		writer = briefs.NewGeminiWriter(cfg.GeminiKey)
	default:
		writer = briefs.Static{}
	}
	log.Info().Str("provider", cfg.BriefProvider).Msg("Brief writer configured")

	auditLog := audit.New(database)
	locker := lease.NewLocker(database, auditLog, cfg.LeaseTTL)
	prod := production.NewService(production.Deps{
		DB:         database,
		Locker:     locker,
		Images:     stor,
		Dispatcher: dispatch.New(cfg.WorkerWebhookURL, cfg.WorkerCallbackSecret),
		Briefs:     writer,
		Events:     publisher,
		Audit:      auditLog,
	}, production.Config{
		Pricing:        cfg.Pricing(),
		Timeout:        cfg.ProductionTimeout,
		ExpectedRender: cfg.ExpectedRenderTime,
		CallbackURL:    cfg.CallbackURL(),
	})

	var source billing.SubscriptionSource
	if cfg.StripeSecretKey != "" {
		source = billing.NewStripeSource(cfg.StripeSecretKey)
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, billing sync only applies the baseline grant")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, Stripe webhooks will be refused")
	}
	billingSvc := billing.New(database, auditLog, source, billing.Config{
		WebhookSecret: cfg.StripeWebhookSecret,
		Catalog:       credits.NewCatalog(cfg.StripePrices),
	})

	adminSvc := admin.NewService(database, prod, locker, auditLog)

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create token verifier")
	}

	handler := api.NewHandler(database, prod, billingSvc, adminSvc, feed)
	router := api.NewRouter(handler, verifier, api.RouterConfig{
		CorsAllowedOrigins:   cfg.CorsAllowedOrigins,
		WorkerCallbackSecret: cfg.WorkerCallbackSecret,
		Logger:               logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.SweeperEnabled {
		sweeper := worker.NewSweeper(prod, cfg.SweepInterval)
		g.Go(func() error { return sweeper.Start(gctx) })
	} else {
		log.Info().Msg("Timeout sweeper disabled; status polls still enforce the timeout")
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited")
}
