package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/cascata/backend/internal/auth"
	"github.com/cascata/backend/internal/config"
	"github.com/cascata/backend/internal/control"
	"github.com/cascata/backend/internal/directory"
	"github.com/cascata/backend/internal/jobs"
	"github.com/cascata/backend/internal/metrics"
	"github.com/cascata/backend/internal/middleware"
	"github.com/cascata/backend/internal/pooler"
	"github.com/cascata/backend/internal/push"
	"github.com/cascata/backend/internal/realtime"
	"github.com/cascata/backend/internal/rules"
	"github.com/cascata/backend/internal/secrets"
	"github.com/cascata/backend/internal/server"
	"github.com/cascata/backend/internal/snapshot"
	"github.com/cascata/backend/internal/webhooks"
)

func main() {
	log.Println("🌊 Starting Cascata gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	log.Printf("Service mode: %s", cfg.ServiceMode)

	// Control database and schema replay.
	controlDB, err := sql.Open("postgres", cfg.ControlDSN())
	if err != nil {
		log.Fatalf("Opening control DB: %v", err)
	}
	defer controlDB.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	if err := controlDB.PingContext(bootCtx); err != nil {
		cancelBoot()
		log.Fatalf("Control DB unreachable: %v", err)
	}
	if err := directory.Migrate(bootCtx, controlDB); err != nil {
		cancelBoot()
		log.Fatalf("Migration replay failed: %v", err)
	}
	cancelBoot()

	store := directory.NewStore(controlDB)

	// Redis: queues, rate limits, panic flags.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPass,
	})
	defer rdb.Close()

	box, err := secrets.NewBox(cfg.EncryptionKey())
	if err != nil {
		log.Fatalf("Secret box: %v", err)
	}

	shield := directory.NewPanicShield(rdb)
	resolver := directory.NewResolver(store, box, shield, func(bearer string) bool {
		_, ok := auth.VerifyAdminToken(cfg.SystemJWTSecret, bearer)
		return ok
	})

	registry := pooler.NewRegistry(pooler.Settings{
		DirectHost:                cfg.DBDirectHost,
		DirectPort:                cfg.DBDirectPort,
		PoolHost:                  cfg.DBPoolHost,
		PoolPort:                  cfg.DBPoolPort,
		User:                      cfg.DBUser,
		Password:                  cfg.DBPass,
		MaxActivePools:            cfg.MaxActivePools,
		IdleMax:                   time.Duration(cfg.Tuning.PoolIdleMaxSeconds) * time.Second,
		ReapInterval:              time.Duration(cfg.Tuning.PoolIdleReapSeconds) * time.Second,
		AcquireTimeout:            time.Duration(cfg.Tuning.AcquireTimeoutSeconds) * time.Second,
		DefaultStatementTimeoutMs: cfg.Tuning.StatementTimeoutMs,
	})
	defer registry.CloseAll()

	provisioner := control.NewProvisioner(controlDB)

	m := metrics.NewMetrics()
	registry.SetEvictHook(func(key string) {
		m.PoolEvictions.WithLabelValues("closed").Inc()
		m.PoolsActive.Set(float64(registry.Size()))
	})

	// Job engine and workers.
	engine := jobs.NewEngine(rdb)
	engine.SetResultHook(func(queue string, failed bool) {
		if failed {
			m.JobsFailed.WithLabelValues(queue).Inc()
			return
		}
		m.JobsProcessed.WithLabelValues(queue).Inc()
	})
	webhookWorker := webhooks.NewWorker()
	webhookWorker.SetDeliveryHook(func(outcome string) {
		m.WebhookDeliveries.WithLabelValues(outcome).Inc()
	})
	fcm := push.NewFCMClient()
	pushWorker := push.NewWorker(registry, fcm, store)
	engine.Register(jobs.QueueWebhooks, 1, webhookWorker.Handle)
	engine.Register(jobs.QueuePush, 50, pushWorker.Handle)

	if cfg.ServiceMode == config.ModeAPI || cfg.ServiceMode == config.ModeWorker {
		engine.Start()
		defer engine.Stop()
	}

	// Realtime bridge with rule and webhook sinks.
	bridge := realtime.NewBridge(realtime.Settings{
		DirectHost:               cfg.DBDirectHost,
		DirectPort:               cfg.DBDirectPort,
		User:                     cfg.DBUser,
		Password:                 cfg.DBPass,
		MaxSubscribersPerProject: cfg.Tuning.MaxSubscribersPerProject,
		KeepAlive:                time.Duration(cfg.Tuning.KeepAliveSeconds) * time.Second,
	})
	bridge.SetSubscriberHook(func(slug string, count int) {
		m.RealtimeSubscribers.WithLabelValues(slug).Set(float64(count))
	})
	bridge.AddSink(rules.NewEngine(store, registry, engine))
	bridge.AddSink(webhooks.NewSink(store, engine))
	defer bridge.Shutdown()

	srv := server.New(&server.Deps{
		Config:   cfg,
		Store:    store,
		Resolver: resolver,
		Registry: registry,
		Bridge:   bridge,
		Engine:   engine,
		Shield:   shield,
		Limiter:  middleware.NewRateLimiter(rdb, cfg.Tuning.RateLimitPerMinute),
		Metrics:  m,
		Projects: &control.Projects{
			Store:       store,
			Box:         box,
			Registry:    registry,
			Shield:      shield,
			Provisioner: provisioner,
			Snapshots:   snapshot.NewStore(cfg.StorageRoot, store, registry, box, provisioner),
			JWTSecret:   cfg.SystemJWTSecret,
		},
		Push:     push.NewHandlers(store, engine),
		Webhooks: webhooks.NewHandlers(store),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-quit:
		log.Printf("Received %s, draining...", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
		os.Exit(1)
	}
	log.Println("👋 Shutdown complete")
}
