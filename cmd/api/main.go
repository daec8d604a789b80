// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carterperez-dev/haven-auth/internal/admin"
	"github.com/carterperez-dev/haven-auth/internal/auth"
	"github.com/carterperez-dev/haven-auth/internal/config"
	"github.com/carterperez-dev/haven-auth/internal/core"
	"github.com/carterperez-dev/haven-auth/internal/health"
	"github.com/carterperez-dev/haven-auth/internal/middleware"
	"github.com/carterperez-dev/haven-auth/internal/server"
	"github.com/carterperez-dev/haven-auth/internal/user"
)

const (
	drainDelay = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

//nolint:funlen // bootstrap code is inherently verbose
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"token_store", cfg.TokenStore.Driver,
	)

	telemetry, err := core.NewTelemetry(ctx, cfg)
	if err != nil {
		logger.Warn("failed to initialize telemetry", "error", err)
	} else if cfg.Otel.Enabled {
		logger.Info("OpenTelemetry tracer initialized",
			"endpoint", cfg.Otel.Endpoint,
		)
	}

	core.SetArgon2Params(core.Argon2ParamsFromConfig(cfg.Password))

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database connected",
		"max_open_conns", cfg.Database.MaxOpenConns,
		"max_idle_conns", cfg.Database.MaxIdleConns,
	)

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	redis, err := core.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	logger.Info("redis connected",
		"pool_size", cfg.Redis.PoolSize,
	)

	jwtManager, err := auth.NewJWTManager(cfg.JWT)
	if err != nil {
		return err
	}
	logger.Info("JWT manager initialized",
		"algorithm", "ES256",
		"key_id", jwtManager.GetKeyID(),
	)

	userRepo := user.NewRepository(db.DB)
	userSvc := user.NewService(userRepo)

	authRepo := newTokenStore(cfg.TokenStore, db, redis)
	authSvc := auth.NewService(authRepo, jwtManager, userSvc)
	authHandler := auth.NewHandler(authSvc)

	userHandler := user.NewHandler(userSvc, authSvc)

	healthHandler := health.NewHandler(
		health.Dependency{Name: "database", Checker: db, Critical: true},
		health.Dependency{
			Name:     "redis",
			Checker:  redis,
			Critical: cfg.TokenStore.Driver == config.StoreDriverRedis,
		},
	)

	adminHandler := admin.NewHandler(admin.HandlerConfig{
		Sessions:   authSvc,
		Accounts:   userSvc,
		TokenStore: cfg.TokenStore.Driver,
	})

	srv := server.New(server.Config{
		ServerConfig:  cfg.Server,
		HealthHandler: healthHandler,
		Logger:        logger,
	})

	router := srv.Router()

	router.Use(middleware.RequestID)
	router.Use(middleware.Tracing(cfg.Otel.ServiceName))
	router.Use(middleware.Logger(logger))
	router.Use(
		middleware.NewRateLimiter(redis.Client, middleware.RateLimitConfig{
			Limit: middleware.PerMinute(
				cfg.RateLimit.Requests,
				cfg.RateLimit.Burst,
			),
		}).Handler,
	)
	router.Use(middleware.SecurityHeaders(cfg.App.Environment == "production"))
	router.Use(middleware.CORS(cfg.CORS))

	healthHandler.RegisterRoutes(router)

	router.Get("/.well-known/jwks.json", jwtManager.GetJWKSHandler())

	authenticator := middleware.Authenticator(jwtManager, userSvc)
	credentialLimiter := middleware.NewRateLimiter(
		redis.Client,
		middleware.RateLimitConfig{
			Name: "auth",
			Limit: middleware.PerWindow(
				cfg.AuthRateLimit.Requests,
				cfg.AuthRateLimit.Burst,
				cfg.AuthRateLimit.Window,
			),
		},
	).Handler
	roleLimited := chainAfter(
		authenticator,
		middleware.RoleRateLimiter(redis.Client, middleware.DefaultRoleLimits),
	)

	router.Route("/v1", func(r chi.Router) {
		authHandler.RegisterRoutes(r, authenticator, credentialLimiter)

		userHandler.RegisterRoutes(r, roleLimited)
		userHandler.RegisterStaffRoutes(r, roleLimited, middleware.RequireStaff)
		userHandler.RegisterAdminRoutes(r, roleLimited, middleware.RequireAdmin)
		adminHandler.RegisterRoutes(r, roleLimited, middleware.RequireAdmin)
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout+drainDelay+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx, drainDelay); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}

	if err := redis.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}

	if err := db.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("application stopped")
	return nil
}

func newTokenStore(
	cfg config.TokenStoreConfig,
	db *core.Database,
	redis *core.Redis,
) auth.Repository {
	if cfg.Driver == config.StoreDriverRedis {
		return auth.NewRedisRepository(redis.Client, cfg.KeyPrefix)
	}
	return auth.NewRepository(db.DB)
}

// chainAfter composes middleware so that first runs outermost.
func chainAfter(
	first func(http.Handler) http.Handler,
	rest ...func(http.Handler) http.Handler,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(rest) - 1; i >= 0; i-- {
			next = rest[i](next)
		}
		return first(next)
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
