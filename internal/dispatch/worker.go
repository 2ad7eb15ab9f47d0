package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"conversion_dispatch_backend/platform/config"
	"conversion_dispatch_backend/platform/logger"

	"github.com/hibiken/asynq"
)

const defaultConcurrency = 5

// Worker owns one asynq server per platform queue. Each server's concurrency
// is the only bound on in-flight requests to that destination.
type Worker struct {
	servers []queueServer
	log     *logger.Logger
}

type queueServer struct {
	platform Platform
	queue    string
	server   *asynq.Server
	mux      *asynq.ServeMux
}

func NewWorker(cfg config.DispatchConfig, processors []*Processor, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := RedisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetDispatchConcurrency()
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}

	queues := QueueNames(cfg)
	retryDelay := RetryDelay(cfg.GetDispatchBackoffBase(), cfg.GetDispatchBackoffMax())

	w := &Worker{log: log}
	for _, proc := range processors {
		platform := proc.Platform()
		queue := queues[platform]
		plog := &logger.Logger{Logger: log.With("platform", string(platform), "queue", queue)}

		server := asynq.NewServer(opt, asynq.Config{
			Concurrency:    concurrency,
			Queues:         map[string]int{queue: 1},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				plog.Debug("dispatch task error", "task", task.Type(), "retried", retried, "error", err)
			}),
			Logger:   newAsynqLogger(plog),
			LogLevel: asynq.WarnLevel,
		})

		mux := asynq.NewServeMux()
		mux.Handle(TaskType(platform), proc)

		w.servers = append(w.servers, queueServer{
			platform: platform,
			queue:    queue,
			server:   server,
			mux:      mux,
		})
	}

	return w, nil
}

// Run starts every queue server and blocks until ctx is cancelled or one fails.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || len(w.servers) == 0 {
		return nil
	}

	for _, qs := range w.servers {
		if err := qs.server.Start(qs.mux); err != nil {
			w.shutdown()
			return fmt.Errorf("start %s worker: %w", qs.platform, err)
		}
		w.log.Info("dispatch worker started", "platform", string(qs.platform), "queue", qs.queue)
	}

	<-ctx.Done()
	w.shutdown()
	return nil
}

func (w *Worker) shutdown() {
	for _, qs := range w.servers {
		qs.server.Shutdown()
	}
}

// RetryDelay is jittered exponential backoff from base, capped at max.
func RetryDelay(base, max time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = 10 * time.Second
	}
	if max < base {
		max = base
	}
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return backoff(base, max, n, rand.Int64N)
	}
}

// backoff returns a delay in [base/2, ceiling] where ceiling = min(max, base·2^n).
// The floor keeps a retry from firing immediately after a timeout.
func backoff(base, max time.Duration, n int, randN func(int64) int64) time.Duration {
	ceiling := base
	for i := 0; i < n && ceiling < max; i++ {
		ceiling *= 2
	}
	if ceiling > max {
		ceiling = max
	}
	floor := base / 2
	span := int64(ceiling - floor)
	if span <= 0 {
		return ceiling
	}
	return floor + time.Duration(randN(span+1))
}

type asynqLogger struct {
	log *logger.Logger
}

func newAsynqLogger(log *logger.Logger) *asynqLogger {
	return &asynqLogger{log: log}
}

func (l *asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...any) { l.log.Error(fmt.Sprint(args...)) }
