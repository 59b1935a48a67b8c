package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/craftdeck/craftdeck/internal/accounts"
	"github.com/craftdeck/craftdeck/internal/app"
	"github.com/craftdeck/craftdeck/internal/assets"
	"github.com/craftdeck/craftdeck/internal/assetusage"
	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/bootstrap"
	"github.com/craftdeck/craftdeck/internal/capsule"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/idempotency"
	"github.com/craftdeck/craftdeck/internal/identity"
	"github.com/craftdeck/craftdeck/internal/instances"
	"github.com/craftdeck/craftdeck/internal/kv"
	"github.com/craftdeck/craftdeck/internal/observability"
	"github.com/craftdeck/craftdeck/internal/platform/cache"
	"github.com/craftdeck/craftdeck/internal/platform/db"
	"github.com/craftdeck/craftdeck/internal/recordstore"
	"github.com/craftdeck/craftdeck/internal/tenant"
	"github.com/craftdeck/craftdeck/internal/workspaces"
	"github.com/craftdeck/craftdeck/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	var store recordstore.Store
	switch cfg.StoreBackend {
	case "rest":
		store = recordstore.NewRESTStore(cfg.RecordStoreURL, cfg.RecordStoreAPIKey)
	default:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		store = recordstore.NewPostgresStore(pool)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	kvStore := kv.NewRedisStore(redisClient, "craftdeck")

	servicePaths := make([]*regexp.Regexp, 0, len(cfg.AllowedServicePaths))
	for _, pattern := range cfg.AllowedServicePaths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Error("compile service path pattern", slog.String("pattern", pattern), slog.Any("error", err))
			os.Exit(1)
		}
		servicePaths = append(servicePaths, re)
	}

	engine := capsule.NewEngine(cfg.CapsuleSecret)
	ids := identity.NewResolver(identity.Config{
		PrincipalSecret:     cfg.PrincipalSecret,
		ServiceSecret:       cfg.ServiceSecret,
		AllowedServices:     cfg.AllowedServices,
		AllowedServicePaths: servicePaths,
	})
	dir := tenant.NewDirectory(store)
	claims := authz.NewOwnerClaims(kvStore)
	metrics := observability.NewMetrics()
	gate := authz.NewGate(engine, ids, dir, claims, logger).WithMetrics(metrics)
	ledger := idempotency.NewLedger(kvStore, logger).WithMetrics(metrics)
	meter := entitlements.NewMeter(kvStore)
	usage := assetusage.NewSyncer(store)

	accountService := accounts.NewService(store, claims, logger)
	accountsHandler := accounts.NewHandler(logger, accountService, ids)

	workspaceService := workspaces.NewService(store, dir, logger)
	workspacesHandler := workspaces.NewHandler(logger, workspaceService, gate, ledger)

	instanceService := instances.NewService(store, usage, meter, logger)
	instancesHandler := instances.NewHandler(logger, instanceService, gate, ledger)

	builder := bootstrap.NewBuilder(dir, engine, meter, metrics, logger).
		WithCuratedWrites(cfg.CuratedWrites)
	bootstrapHandler := bootstrap.NewHandler(logger, builder, gate)

	var assetsHandler *assets.Handler
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("job queue unavailable", slog.Any("error", err))
		assetsHandler = assets.NewHandler(logger, nil, gate)
	} else {
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		assetsHandler = assets.NewHandler(logger, jobsClient, gate)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AccountsHandler:   accountsHandler,
		BootstrapHandler:  bootstrapHandler,
		WorkspacesHandler: workspacesHandler,
		InstancesHandler:  instancesHandler,
		AssetsHandler:     assetsHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
