package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/carepath/internal/config"
	"github.com/ehr/carepath/internal/domain/catalog"
	"github.com/ehr/carepath/internal/domain/episode"
	"github.com/ehr/carepath/internal/domain/governance"
	"github.com/ehr/carepath/internal/domain/overrideaudit"
	"github.com/ehr/carepath/internal/domain/scheduling"
	"github.com/ehr/carepath/internal/platform/apperr"
	"github.com/ehr/carepath/internal/platform/auth"
	"github.com/ehr/carepath/internal/platform/db"
	"github.com/ehr/carepath/internal/platform/metrics"
	"github.com/ehr/carepath/internal/platform/middleware"
	"github.com/ehr/carepath/internal/platform/notification"
	"github.com/ehr/carepath/internal/platform/telemetry"
	"github.com/ehr/carepath/internal/platform/webhook"
	"github.com/ehr/carepath/internal/platform/websocket"
	"github.com/ehr/carepath/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "carepath-server",
		Short:        "Care pathway scheduling governance API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator, string) error) error {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if schema == "" {
		schema = cfg.DBSchema
	}

	ctx := context.Background()
	// The migrator sets search_path itself; the pool keeps the default.
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, newMigrator(pool, dir), schema)
}

func newMigrator(pool db.DB, dir string) *db.Migrator {
	if dir != "" {
		return db.NewMigrator(pool, dir)
	}
	return db.NewMigratorFS(pool, migrations.FS)
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "carepath-server").Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable; catalog cache and notifications will retry per call")
		}
	} else {
		logger.Warn().Msg("REDIS_URL not set; catalog cache and Redis notifications disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tp := telemetry.NewProvider(telemetry.TelemetryConfig{
		ServiceName:    "carepath-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	defer tp.Shutdown(context.Background())

	srv, err := buildServer(cfg, pool, rdb, reg, tp, logger)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	srv.drain()
	logger.Info().Msg("server stopped")
	return nil
}

// serverPool is what the HTTP stack needs from the database.
type serverPool interface {
	db.DB
	db.Pinger
}

type server struct {
	echo       *echo.Echo
	dispatcher *notification.Dispatcher
}

// drain waits for in-flight notifications.
func (s *server) drain() {
	s.dispatcher.Wait()
}

// publishers returns the configured notification transports. The live
// event stream hub is always one of them.
func publishers(cfg *config.Config, rdb *redis.Client, hub *websocket.Hub) (notification.FanOut, error) {
	pubs := notification.FanOut{hub}
	if rdb != nil {
		pubs = append(pubs, notification.NewRedisPublisher(rdb))
	}
	if cfg.NotifyWebhookURL != "" {
		hook, err := webhook.NewPublisher(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, hook)
	}
	return pubs, nil
}

// buildServer wires every component into an echo instance. rdb may be nil.
func buildServer(cfg *config.Config, pool serverPool, rdb *redis.Client, reg *prometheus.Registry,
	tp *telemetry.Provider, logger zerolog.Logger) (*server, error) {
	govMetrics := metrics.NewGovernanceMetrics(reg)
	httpMetrics := middleware.NewHTTPMetrics(reg)

	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	hub.OnDrop(govMetrics.ObserveStreamDrop)
	pubs, err := publishers(cfg, rdb, hub)
	if err != nil {
		return nil, err
	}
	srv := &server{
		dispatcher: notification.NewDispatcher(pubs, cfg.NotifyChannel,
			logger.With().Str("component", "notification").Logger(),
			notification.WithObserver(govMetrics),
		),
	}
	notifier := srv.dispatcher

	var stageCache catalog.StageCache
	if rdb != nil {
		stageCache = catalog.NewRedisStageCache(rdb, cfg.CatalogCacheTTL)
	}

	tx := db.NewTxRunner(pool)

	catalogSvc := catalog.NewService(catalog.NewRepoPG(pool), tx, stageCache,
		logger.With().Str("component", "catalog").Logger())
	episodeRepo := episode.NewRepoPG(pool)
	episodeSvc := episode.NewService(episodeRepo, tx, catalogSvc, catalogSvc, notifier,
		episode.RecallPolicy{StageCode: cfg.RecallStageCode, IntervalMonths: cfg.RecallIntervalMonths},
		logger.With().Str("component", "episode").Logger())
	slotRepo := scheduling.NewRepoPG(pool)
	schedulingSvc := scheduling.NewService(slotRepo, logger.With().Str("component", "scheduling").Logger())
	auditSvc := overrideaudit.NewService(overrideaudit.NewRepoPG(pool), episodeSvc, notifier, govMetrics,
		logger.With().Str("component", "overrideaudit").Logger())

	deps := governance.Deps{
		Episodes: episodeRepo,
		Slots:    slotRepo,
		Pathways: catalogSvc,
		Audit:    auditSvc,
		Tx:       tx,
		Notifier: notifier,
		Metrics:  govMetrics,
		Logger:   logger.With().Str("component", "governance").Logger(),
	}
	opts := governance.Options{
		PrescheduleSteps: cfg.PrescheduleSteps,
		IntentSlack:      time.Duration(cfg.IntentSlackDays) * 24 * time.Hour,
	}
	governor := governance.NewGovernor(deps)
	monitor := governance.NewMonitor(deps, opts)
	preScheduler := governance.NewPreScheduler(deps, opts)
	episodeSvc.SetActivator(preScheduler)
	projector := governance.NewProjector(monitor)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tp.TracingMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(httpMetrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "traceparent", "tracestate"},
		ExposeHeaders: []string{middleware.RequestIDHeader, telemetry.TraceIDHeader},
	}))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	catalog.NewHandler(catalogSvc).RegisterRoutes(apiV1)
	episode.NewHandler(episodeSvc).RegisterRoutes(apiV1)
	scheduling.NewHandler(schedulingSvc).RegisterRoutes(apiV1)
	overrideaudit.NewHandler(auditSvc).RegisterRoutes(apiV1)
	governance.NewHandler(governor, monitor, projector).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(apiV1)

	srv.echo = e
	return srv, nil
}
