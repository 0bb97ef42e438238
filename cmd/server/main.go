// Command server runs the FlowDash control plane API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdash-app/flowdash-backend/api"
	"github.com/flowdash-app/flowdash-backend/internal/auth"
	"github.com/flowdash-app/flowdash-backend/internal/config"
	"github.com/flowdash-app/flowdash-backend/internal/crypto"
	"github.com/flowdash-app/flowdash-backend/internal/database"
	"github.com/flowdash-app/flowdash-backend/internal/distlock"
	"github.com/flowdash-app/flowdash-backend/internal/instances"
	"github.com/flowdash-app/flowdash-backend/internal/kvstore"
	"github.com/flowdash-app/flowdash-backend/internal/plans"
	"github.com/flowdash-app/flowdash-backend/internal/quota"
	"github.com/flowdash-app/flowdash-backend/internal/ratelimit"
	"github.com/flowdash-app/flowdash-backend/internal/respcache"
	"github.com/flowdash-app/flowdash-backend/internal/secrets"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/telemetry"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flowdash: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(config.ParseFlags())
	if err != nil {
		return err
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            cfg.GetLogLevel(),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		FileName:         "flowdash.log",
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := slogging.Get()
	defer func() { _ = logger.Close() }()
	logger.Info("Starting %s", api.GetVersionString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := secrets.NewProvider(ctx, &cfg.Secrets)
	if err != nil {
		return fmt.Errorf("failed to create secrets provider: %w", err)
	}
	defer func() { _ = provider.Close() }()
	if err := secrets.Apply(ctx, provider, cfg); err != nil {
		return err
	}
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		controlPlane *telemetry.ControlPlaneMetrics
		httpMetrics  *telemetry.HTTPMetrics
		serviceName  string
	)
	if cfg.Telemetry.Enabled {
		otelCfg, err := telemetry.LoadConfig()
		if err != nil {
			return err
		}
		otelCfg.ServiceName = cfg.Telemetry.ServiceName
		otelCfg.ServiceVersion = fmt.Sprintf("%d.%d.%d", api.GetVersion().Major, api.GetVersion().Minor, api.GetVersion().Patch)
		otelCfg.TracingEnabled = otelCfg.TracingEnabled && cfg.Telemetry.TracingEnabled
		otelCfg.MetricsEnabled = otelCfg.MetricsEnabled && cfg.Telemetry.MetricsEnabled

		svc, err := telemetry.NewService(ctx, otelCfg, registry)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := svc.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown: %v", err)
			}
		}()

		if controlPlane, err = telemetry.NewControlPlaneMetrics(svc.Meter()); err != nil {
			return err
		}
		if httpMetrics, err = telemetry.NewHTTPMetrics(svc.Meter()); err != nil {
			return err
		}
		if otelCfg.TracingEnabled {
			serviceName = otelCfg.ServiceName
		}
	}

	db, err := database.Open(ctx, cfg.Database, database.Options{
		Tracing: serviceName != "",
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}
	gormCatalog := plans.NewGormCatalog(db.Gorm())
	if cfg.Database.SeedPlans {
		if err := gormCatalog.Seed(ctx, plans.Defaults()); err != nil {
			return err
		}
	}
	catalog := plans.NewCachedCatalog(gormCatalog, cfg.Quota.CatalogCacheTTL)
	defer catalog.Stop()

	store := kvstore.NewRedisStore(kvstore.Config{
		Addr:                cfg.RedisAddr(),
		Password:            cfg.Database.Redis.Password,
		DB:                  cfg.Database.Redis.DB,
		DialTimeout:         cfg.Database.Redis.DialTimeout,
		OpTimeout:           cfg.Database.Redis.OpTimeout,
		HealthCheckInterval: cfg.Database.Redis.HealthCheckInterval,
		PoolSize:            cfg.Database.Redis.PoolSize,
	}, logger)
	defer func() { _ = store.Close() }()
	if controlPlane != nil {
		store.SetFailureRecorder(controlPlane)
	}
	if serviceName != "" {
		store.AddClientHook(telemetry.InstrumentRedis)
	}
	health := kvstore.NewHealthChecker(store)
	health.LogHealthCheck(health.CheckHealth(ctx))

	locker := distlock.New(store, logger)
	resolver := users.NewGormResolver(db.Gorm())

	acctOpts := []quota.Option{
		quota.WithLockOptions(cfg.Quota.LockHold, cfg.Quota.LockWait),
		quota.WithHourlyFraction(cfg.Quota.HourlyFraction),
	}
	cacheOpts := []respcache.Option{}
	if controlPlane != nil {
		locker.SetRecorder(controlPlane)
		acctOpts = append(acctOpts, quota.WithRecorder(controlPlane))
		cacheOpts = append(cacheOpts, respcache.WithRecorder(controlPlane))
	}
	if !cfg.Cache.Enabled {
		cacheOpts = append(cacheOpts, respcache.Disabled())
	}
	accountant := quota.NewAccountant(resolver, catalog, quota.NewGormCounterStore(db.Gorm()), store, locker, logger, acctOpts...)
	cache := respcache.New(store, logger, cacheOpts...)

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:        cfg.Auth.JWT.Secret,
		Issuer:        cfg.Auth.JWT.Issuer,
		Expiration:    cfg.GetJWTDuration(),
		SigningMethod: cfg.Auth.JWT.SigningMethod,
	})
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		var limOpts []ratelimit.Option
		if controlPlane != nil {
			limOpts = append(limOpts, ratelimit.WithRecorder(controlPlane))
		}
		if cfg.RateLimit.SerializeWindows {
			limOpts = append(limOpts, ratelimit.WithWindowLock(locker, time.Second))
		}
		limiter = ratelimit.New(store, tokens, resolver, catalog, ratelimit.Config{
			IPPerMinute:  cfg.RateLimit.IPPerMinute,
			IPPerHour:    cfg.RateLimit.IPPerHour,
			SkipPaths:    cfg.RateLimit.SkipPaths,
			SkipPrefixes: cfg.RateLimit.SkipPrefixes,
		}, logger, limOpts...)
	}

	cipher, err := crypto.NewCredentialCipher(cfg.Upstream.CredentialKey)
	if err != nil {
		return err
	}
	registryOfInstances := instances.NewRegistry(db.Gorm(), resolver, catalog, store, locker, cipher, logger,
		instances.WithLockOptions(cfg.Quota.LockHold, cfg.Quota.LockWait))
	n8n := upstream.NewClient(upstream.Config{
		Timeout:          cfg.Upstream.Timeout,
		PerInstanceRPS:   cfg.Upstream.PerInstanceRPS,
		PerInstanceBurst: cfg.Upstream.PerInstanceBurst,
	}, logger)

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(api.Deps{
		Logger:         logger,
		Tokens:         tokens,
		Users:          resolver,
		Catalog:        catalog,
		Quota:          accountant,
		Limiter:        limiter,
		Cache:          cache,
		Instances:      registryOfInstances,
		Upstream:       n8n,
		StoreHealth:    health,
		Database:       db,
		AdminUserIDs:   cfg.Auth.AdminUserIDs,
		WebhookSecret:  cfg.Auth.WebhookSecret,
		RequestTimeout: cfg.Server.WriteTimeout,
		ServiceName:    serviceName,
		Metrics:        httpMetrics,
		Gatherer:       registry,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server gracefully stopped")
	return nil
}
