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

	"conversion_dispatch_backend/internal/audit"
	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/dispatch/capi"
	"conversion_dispatch_backend/internal/dispatch/offline"
	"conversion_dispatch_backend/internal/events"
	"conversion_dispatch_backend/internal/http/router"
	"conversion_dispatch_backend/internal/integrations"
	"conversion_dispatch_backend/internal/outbox"
	"conversion_dispatch_backend/internal/tokencache"
	"conversion_dispatch_backend/platform/config"
	"conversion_dispatch_backend/platform/crypto"
	"conversion_dispatch_backend/platform/db"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting dispatcher", "env", cfg.Env, "ops_addr", cfg.GetOpsAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)
	defer eventBus.Wait()

	m := metrics.New()

	credentialSealer, err := crypto.NewSealer(cfg.GetPIIEncryptionSecret(), crypto.PurposeCredentials)
	if err != nil {
		panic("failed to initialize credential encryption: " + err.Error())
	}

	// Attempts are persisted through the bus so the processor stays storage-agnostic.
	audit.NewModule(pool, log).RegisterHandlers(eventBus)
	credentials := integrations.NewService(integrations.NewRepository(pool), credentialSealer, eventBus, log)
	status := dispatch.NewStatusRepository(pool)

	capiAdapter, err := capi.New(cfg)
	if err != nil {
		log.Error("failed to initialize pixel events adapter", "error", err)
		panic("failed to initialize pixel events adapter: " + err.Error())
	}
	tokens := tokencache.New(cfg.GetTokenRefreshMargin(), tokencache.WithObserver(m))
	offlineAdapter := offline.New(cfg, tokens)

	processors := make([]*dispatch.Processor, 0, 2)
	for _, adapter := range []dispatch.Adapter{capiAdapter, offlineAdapter} {
		processors = append(processors, dispatch.NewProcessor(dispatch.ProcessorDeps{
			Adapter:     adapter,
			Status:      status,
			Credentials: credentials,
			Bus:         eventBus,
			Breaker:     dispatch.NewBreaker(adapter.Platform(), log),
			Metrics:     m,
			Log:         log,
		}))
	}

	worker, err := dispatch.NewWorker(cfg, processors, log)
	if err != nil {
		log.Error("failed to initialize dispatch worker", "error", err)
		panic("failed to initialize dispatch worker: " + err.Error())
	}

	enqueuer, err := dispatch.NewEnqueuer(cfg, m)
	if err != nil {
		log.Error("failed to initialize dispatch enqueuer", "error", err)
		panic("failed to initialize dispatch enqueuer: " + err.Error())
	}
	defer func() { _ = enqueuer.Close() }()

	relay := dispatch.NewRelay(outbox.New(pool), enqueuer, cfg.GetOutboxRelayInterval(), cfg.GetOutboxBatchSize(), m, log)

	redisOpt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		panic("invalid REDIS_URL: " + err.Error())
	}
	redisClient := redis.NewClient(redisOpt)
	defer func() { _ = redisClient.Close() }()

	ops := &http.Server{
		Addr:              cfg.GetOpsAddr(),
		Handler:           router.NewOps(log, readiness{db: db.NewPoolAdapter(pool), redis: redisClient}, m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		log.Info("ops server listening", "addr", ops.Addr)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("dispatcher stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("dispatcher stopped")
}

// readiness reports ready only when both the database and the queue backend answer.
type readiness struct {
	db    *db.PoolAdapter
	redis *redis.Client
}

func (r readiness) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
