package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	tenantsmanager "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/manager"
	tenantsprov "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/provisioning"
	tenantsrepo "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/repo"
	tenantsservice "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	tenantsworker "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/worker"
	platformlogging "github.com/solusinc/manylead-cloud-sub001/platform/go/logging"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/metrics"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/persistence"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/queue"
)

type config struct {
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	RedisAddr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	ProvisionTimeout time.Duration `env:"PROVISION_TIMEOUT" envDefault:"60s"`
	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	RetentionWindow  time.Duration `env:"RETENTION_WINDOW" envDefault:"720h"`
	PurgeSchedule    string        `env:"PURGE_SCHEDULE" envDefault:"0 3 * * *"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "provision-worker",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if err := persistence.BootstrapCatalog(ctx, pool); err != nil {
		logger.Fatal("bootstrap tenant catalog", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		_ = redisClient.Close()
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("ping redis", zap.Error(err))
	}
	jobQueue := queue.NewRedisQueue(redisClient, "manylead:jobs", logger)

	m := metrics.New()

	catalogStore, err := persistence.NewCatalogStore(ctx, pool)
	if err != nil {
		logger.Fatal("init catalog store", zap.Error(err))
	}
	registry := tenantsservice.New(tenantsrepo.NewPostgresRepository(catalogStore))
	dbProv := tenantsprov.NewDBProvisioner(pool, cfg.DatabaseURL)

	w := tenantsworker.New(registry, dbProv, logger, m)
	jobQueue.Register(tenantsworker.JobTypeProvisionTenant, func(ctx context.Context, job queue.Job) error {
		jobCtx, cancel := context.WithTimeout(ctx, cfg.ProvisionTimeout)
		defer cancel()
		return w.HandleProvision(jobCtx, job)
	})

	// The purge sweeper shares the manager with nothing else in this process;
	// its cache only ever holds handles the sweep itself opened.
	opener := tenantsmanager.NewPgxOpener(cfg.DatabaseURL, tenantsmanager.PoolSettings{MaxConns: 2})
	cache := tenantsmanager.NewCache(opener, cfg.ConnectTimeout, logger, m)
	mgr := tenantsmanager.New(registry, dbProv, cache, jobQueue, logger, m)
	defer mgr.InvalidateConnections()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.PurgeSchedule, func() {
		logger.Info("retention purge sweep starting")
		if err := mgr.PurgeExpired(ctx, cfg.RetentionWindow); err != nil {
			logger.Error("retention purge sweep failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid purge schedule", zap.String("schedule", cfg.PurgeSchedule), zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	logger.Info("provision worker starting",
		zap.String("purge_schedule", cfg.PurgeSchedule),
		zap.Duration("retention_window", cfg.RetentionWindow))

	if err := jobQueue.Run(ctx); err != nil {
		logger.Fatal("job consumer stopped", zap.Error(err))
	}
	logger.Info("provision worker stopped")
}
