package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	tenantshandler "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/handler"
	tenantsmanager "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/manager"
	tenantsprov "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/provisioning"
	tenantsrepo "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/repo"
	tenantsservice "github.com/solusinc/manylead-cloud-sub001/domains/tenants/be/service"
	platformlogging "github.com/solusinc/manylead-cloud-sub001/platform/go/logging"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/metrics"
	platformmiddleware "github.com/solusinc/manylead-cloud-sub001/platform/go/middleware"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/persistence"
	"github.com/solusinc/manylead-cloud-sub001/platform/go/queue"
)

type config struct {
	Port             string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	RedisAddr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	TenantPoolMax    int32         `env:"TENANT_POOL_MAX_CONNS" envDefault:"4"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
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

	opener := tenantsmanager.NewPgxOpener(cfg.DatabaseURL, tenantsmanager.PoolSettings{
		MaxConns: cfg.TenantPoolMax,
	})
	cache := tenantsmanager.NewCache(opener, cfg.ConnectTimeout, logger, m)
	mgr := tenantsmanager.New(registry, dbProv, cache, jobQueue, logger, m)
	defer mgr.InvalidateConnections()

	tenantHTTPHandler := tenantshandler.New(mgr, logger)

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Handle("/metrics", promhttp.Handler())

	tenantHTTPHandler.Routes(rootRouter)

	// Tenant-scoped routes resolve the caller's database before the handler
	// runs; anything mounted here can pull the Conn off the context.
	rootRouter.Route("/api/v1", func(r chi.Router) {
		r.Use(tenantsmanager.Middleware(mgr))
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			conn, _ := tenantsmanager.ConnFromContext(r.Context())
			if err := conn.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
