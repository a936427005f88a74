package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/docquery/internal/config"
	"github.com/ehr/docquery/internal/domain/docquery"
	"github.com/ehr/docquery/internal/domain/webhook"
	"github.com/ehr/docquery/internal/platform/auth"
	"github.com/ehr/docquery/internal/platform/db"
	"github.com/ehr/docquery/internal/platform/middleware"
	"github.com/ehr/docquery/internal/platform/queue"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docquery-server",
		Short:        "Document query progress and webhook delivery service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, the stale sweeper and the conversion consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
		ApplicationName: "docquery-server",
	})
}

// app holds the wired services shared by the server and the operational
// commands.
type app struct {
	patients   docquery.PatientRepository
	requests   webhook.RequestRepository
	settings   webhook.SettingsRepository
	dispatcher *webhook.Dispatcher
	notifier   *webhook.DocumentNotifier
	progress   *docquery.Service
	sweeper    *docquery.Sweeper
	retrier    *webhook.Retrier
	settingSvc *webhook.SettingsService
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *app {
	a := &app{
		patients: docquery.NewPatientRepoPG(pool),
		requests: webhook.NewRequestRepoPG(pool),
		settings: webhook.NewSettingsRepoPG(pool),
	}

	health := webhook.NewHealthTracker(a.settings, logger)
	sender := webhook.NewSender(a.requests, a.settings, health, logger,
		webhook.WithTimeout(cfg.WebhookTimeout))
	a.dispatcher = webhook.NewDispatcher(sender, cfg.WebhookWorkers, logger)
	a.notifier = webhook.NewDocumentNotifier(a.dispatcher)

	a.progress = docquery.NewService(a.patients, logger)
	a.sweeper = docquery.NewSweeper(a.patients, a.notifier, logger,
		docquery.WithStaleAfter(cfg.SweepStaleAfter),
		docquery.WithSweepInterval(cfg.SweepInterval),
	)
	a.retrier = webhook.NewRetrier(a.requests, a.settings, sender, cfg.WebhookRetryJitter, logger)
	a.settingSvc = webhook.NewSettingsService(a.settings, a.requests, health, sender, logger)
	return a
}

// drain stops accepting webhooks and waits for queued deliveries.
func (a *app) drain(logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("webhook deliveries still pending at shutdown")
	}
}

func newConsumer(cfg *config.Config, a *app, logger zerolog.Logger) *queue.Consumer {
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaConversionTopic == "" {
		return nil
	}
	listener := docquery.NewConversionListener(a.progress, a.notifier, logger)
	reader := queue.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaConversionTopic, cfg.KafkaGroupID)
	return queue.NewConsumer(reader, listener.Handle, logger)
}

func newServer(cfg *config.Config, a *app, pinger db.Pinger, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	// API groups
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))
	apiV1.Use(middleware.BodyLimit("1M"))

	internal := e.Group("/internal")
	internal.Use(middleware.BodyLimit("10M"))

	docquery.NewHandler(a.progress, a.sweeper, a.notifier).RegisterRoutes(internal)
	webhook.NewHandler(a.settingSvc, a.retrier, a.requests).RegisterRoutes(apiV1, internal)

	return e
}

func runServer() error {
	// Config
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, requests are not authenticated (development only)")
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a := newApp(cfg, pool, logger)
	e := newServer(cfg, a, pool, logger)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	// Stale sweeper
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.sweeper.Start(bgCtx)
	}()

	// Conversion callbacks
	consumer := newConsumer(cfg, a, logger)
	consumerDone := make(chan struct{})
	if consumer != nil {
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(bgCtx); err != nil {
				logger.Error().Err(err).Msg("conversion consumer stopped")
			}
		}()
		logger.Info().Str("topic", cfg.KafkaConversionTopic).Msg("conversion consumer started")
	} else {
		close(consumerDone)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	stopBackground()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close conversion consumer")
		}
	}
	<-sweeperDone
	<-consumerDone
	a.drain(logger)

	logger.Info().Msg("server stopped")
	return nil
}
