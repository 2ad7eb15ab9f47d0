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
	"conversion_dispatch_backend/internal/events"
	apphttp "conversion_dispatch_backend/internal/http"
	"conversion_dispatch_backend/internal/http/router"
	"conversion_dispatch_backend/internal/integrations"
	"conversion_dispatch_backend/internal/outbox"
	"conversion_dispatch_backend/internal/valuation"
	"conversion_dispatch_backend/internal/webhook"
	"conversion_dispatch_backend/platform/config"
	"conversion_dispatch_backend/platform/crypto"
	"conversion_dispatch_backend/platform/db"
	"conversion_dispatch_backend/platform/logger"
	"conversion_dispatch_backend/platform/metrics"
	"conversion_dispatch_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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
	log.Info("database connection established")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)
	defer eventBus.Wait()

	val := validator.New()
	m := metrics.New()

	payloadSealer, err := crypto.NewSealer(cfg.GetPIIEncryptionSecret(), crypto.PurposeLeadPayload)
	if err != nil {
		panic("failed to initialize payload encryption: " + err.Error())
	}
	credentialSealer, err := crypto.NewSealer(cfg.GetPIIEncryptionSecret(), crypto.PurposeCredentials)
	if err != nil {
		panic("failed to initialize credential encryption: " + err.Error())
	}

	enqueuer, closeEnqueuer := initEnqueuer(cfg, m, log)
	if closeEnqueuer != nil {
		defer closeEnqueuer()
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	valuationSvc := valuation.NewService(valuation.Deps{
		Store:         valuation.NewRepository(pool),
		Enqueuer:      enqueuer,
		Outbox:        outbox.New(pool),
		Sealer:        payloadSealer,
		Bus:           eventBus,
		Metrics:       m,
		LatencyBudget: cfg.GetValuationLatencyBudget(),
		Log:           log,
	})

	integrationsModule := integrations.NewModule(pool, credentialSealer, eventBus, val, log)
	auditModule := audit.NewModule(pool, log)
	auditModule.RegisterHandlers(eventBus)
	webhookModule := webhook.NewModule(pool, valuationSvc, val)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		Metrics:  m,
		EventBus: eventBus,
		Modules: []apphttp.Module{
			webhookModule,
			integrationsModule,
			auditModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

// initEnqueuer returns nil when Redis is not configured; events then wait in
// the outbox until a dispatcher with queue access relays them.
func initEnqueuer(cfg config.DispatchConfig, m *metrics.Metrics, log *logger.Logger) (dispatch.JobEnqueuer, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; conversion jobs stay in the outbox for the dispatcher relay")
		return nil, nil
	}

	client, err := dispatch.NewEnqueuer(cfg, m)
	if err != nil {
		log.Error("failed to initialize dispatch enqueuer", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
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
