package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"dartachalani/internal/audit"
	"dartachalani/internal/chalani"
	chalaniservice "dartachalani/internal/chalani/service"
	chalanistore "dartachalani/internal/chalani/store"
	"dartachalani/internal/darta"
	dartaservice "dartachalani/internal/darta/service"
	dartastore "dartachalani/internal/darta/store"
	"dartachalani/internal/idempotency"
	"dartachalani/internal/numbering"
	numberservice "dartachalani/internal/numbering/service"
	numberstore "dartachalani/internal/numbering/store"
	"dartachalani/internal/platform/config"
	"dartachalani/internal/platform/httpserver"
	"dartachalani/internal/platform/jwt"
	"dartachalani/internal/platform/kafka"
	"dartachalani/internal/platform/logger"
	"dartachalani/internal/platform/metrics"
	"dartachalani/internal/platform/postgres"
	"dartachalani/internal/platform/redis"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Persistence: Postgres when configured, in-memory otherwise (dev mode).
	var (
		auditStore   audit.Store
		idemStore    idempotency.Store
		chalaniStore chalaniservice.Store
		dartaStore   dartaservice.Store
		numberStore  numberservice.Store
		outbox       audit.OutboxSource
	)
	if cfg.PostgresURL != "" {
		pool, err := postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			log.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pgAudit := audit.NewPostgres(pool)
		auditStore = pgAudit
		outbox = pgAudit
		idemStore = idempotency.NewPostgres(pool)
		chalaniStore = chalanistore.NewPostgres(pool, auditStore, idemStore)
		dartaStore = dartastore.NewPostgres(pool, auditStore, idemStore)
		numberStore = numberstore.NewPostgres(pool)
	} else {
		log.Warn("no postgres configured, using in-memory stores")
		auditStore = audit.NewInMemory()
		idemStore = idempotency.NewInMemory()
		chalaniStore = chalanistore.NewInMemory(auditStore, idemStore)
		dartaStore = dartastore.NewInMemory(auditStore, idemStore)
		numberStore = numberstore.NewInMemory()
	}

	// Optional idempotency read cache.
	var rawRedis *goredis.Client
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		rawRedis = redisClient.Client
	}
	cache := idempotency.NewCache(rawRedis, 24*time.Hour)

	allocator, err := numbering.NewService(numberStore,
		numberservice.WithLogger(log),
		numberservice.WithMetrics(m),
		numberservice.WithDefaultTTL(cfg.AllocationTTL),
	)
	if err != nil {
		log.Error("numbering service init failed", "error", err)
		os.Exit(1)
	}

	chalaniSvc, err := chalani.NewService(chalaniStore, allocator, idemStore, auditStore,
		chalaniservice.WithLogger(log),
		chalaniservice.WithMetrics(m),
		chalaniservice.WithCache(cache),
		chalaniservice.WithFiscalYear(cfg.FiscalYear),
	)
	if err != nil {
		log.Error("chalani service init failed", "error", err)
		os.Exit(1)
	}

	dartaSvc, err := darta.NewService(dartaStore, allocator, idemStore, auditStore,
		dartaservice.WithLogger(log),
		dartaservice.WithMetrics(m),
		dartaservice.WithCache(cache),
		dartaservice.WithFiscalYear(cfg.FiscalYear),
	)
	if err != nil {
		log.Error("darta service init failed", "error", err)
		os.Exit(1)
	}

	jwtSvc := jwt.NewService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	chalani.NewHandler(chalaniSvc, log, m, jwtSvc).Register(router)
	darta.NewHandler(dartaSvc, log, m, jwtSvc).Register(router)
	numbering.NewHandler(allocator, log, m, jwtSvc).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)

	// Reclaim overdue provisional allocations.
	group.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if _, err := allocator.ExpireSweep(groupCtx); err != nil {
					log.Error("allocation sweep failed", "error", err)
				}
			}
		}
	})

	// Audit outbox → Kafka, only when both sides exist.
	if outbox != nil && len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Error("kafka connect failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		worker := audit.NewWorker(outbox, producer, log, cfg.OutboxInterval)
		group.Go(func() error {
			if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting dartachalani server", "addr", cfg.Addr, "fiscal_year", cfg.FiscalYear)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
