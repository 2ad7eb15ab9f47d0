package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"conversion_dispatch_backend/platform/config"
	"conversion_dispatch_backend/platform/metrics"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxRetry = 8
	taskTimeout     = 2 * time.Minute
	// taskRetention keeps a finished task id reserved so a late relay of the
	// same event is still rejected as a duplicate.
	taskRetention = 24 * time.Hour
)

// JobEnqueuer puts a job on its platform queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Enqueuer writes delivery tasks to the per-platform asynq queues.
type Enqueuer struct {
	client   *asynq.Client
	queues   map[Platform]string
	maxRetry int
	metrics  *metrics.Metrics
}

func NewEnqueuer(cfg config.DispatchConfig, m *metrics.Metrics) (*Enqueuer, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := RedisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return newEnqueuer(opt, QueueNames(cfg), cfg.GetDispatchMaxRetry(), m), nil
}

func newEnqueuer(opt asynq.RedisConnOpt, queues map[Platform]string, maxRetry int, m *metrics.Metrics) *Enqueuer {
	if maxRetry < 0 {
		maxRetry = defaultMaxRetry
	}
	return &Enqueuer{
		client:   asynq.NewClient(opt),
		queues:   queues,
		maxRetry: maxRetry,
		metrics:  m,
	}
}

// QueueNames maps each platform to its configured queue.
func QueueNames(cfg config.DispatchConfig) map[Platform]string {
	capi := cfg.GetCAPIQueueName()
	if capi == "" {
		capi = "dispatch:capi"
	}
	offline := cfg.GetOfflineQueueName()
	if offline == "" {
		offline = "dispatch:offline"
	}
	return map[Platform]string{PlatformCAPI: capi, PlatformOffline: offline}
}

func (e *Enqueuer) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Enqueue is idempotent per (platform, conversion event): a second enqueue of
// the same job is reported as success.
func (e *Enqueuer) Enqueue(ctx context.Context, job Job) error {
	if e == nil || e.client == nil {
		return errors.New("enqueuer not configured")
	}

	queue, ok := e.queues[job.Platform]
	if !ok {
		return fmt.Errorf("no queue for platform %q", job.Platform)
	}

	task, err := NewDeliverTask(job)
	if err != nil {
		return err
	}

	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.TaskID(job.TaskID()),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.Retention(taskRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		e.metrics.EnqueueFailed(string(job.Platform))
		return fmt.Errorf("enqueue %s: %w", job.TaskID(), err)
	}
	return nil
}

// RedisClientOpt converts a redis:// or rediss:// URL into asynq options.
func RedisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
