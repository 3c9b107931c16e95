package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"convsync/logging"
	"convsync/metrics"
)

// DefaultQueue is the queue maintenance tasks go to.
const DefaultQueue = "maintenance"

func redisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("asynq: redis url is empty")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return opt, nil
}

// AsynqClient implements Client on top of asynq.
type AsynqClient struct {
	client *asynq.Client
}

var _ Client = (*AsynqClient)(nil)

// NewAsynqClient connects to the Redis server at redisURL.
func NewAsynqClient(redisURL string) (*AsynqClient, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	return &AsynqClient{client: asynq.NewClient(opt)}, nil
}

// Enqueue schedules t. Only the first option is honoured.
func (a *AsynqClient) Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("asynq: task type is required")
	}

	var op EnqueueOption
	if len(opts) > 0 {
		op = opts[0]
	}
	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), asynqOptions(op)...)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Close releases the Redis connection.
func (a *AsynqClient) Close() error {
	return a.client.Close()
}

func asynqOptions(op EnqueueOption) []asynq.Option {
	var out []asynq.Option
	queue := op.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	out = append(out, asynq.Queue(queue))
	if op.ProcessIn > 0 {
		out = append(out, asynq.ProcessIn(op.ProcessIn))
	}
	if op.MaxRetry > 0 {
		out = append(out, asynq.MaxRetry(op.MaxRetry))
	}
	if op.UniqueTTL > 0 {
		out = append(out, asynq.Unique(op.UniqueTTL))
	}
	if op.Retention > 0 {
		out = append(out, asynq.Retention(op.Retention))
	}
	if op.Timeout > 0 {
		out = append(out, asynq.Timeout(op.Timeout))
	}
	return out
}

// ServerConfig controls an AsynqServer.
type ServerConfig struct {
	Concurrency int
	// Queues maps queue names to priority weights, e.g. "maintenance=1,default=1".
	Queues  string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// AsynqServer implements Server on top of asynq.
type AsynqServer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	metrics *metrics.Metrics
	log     zerolog.Logger
}

var _ Server = (*AsynqServer)(nil)

// NewAsynqServer creates a worker server for the Redis server at redisURL.
func NewAsynqServer(redisURL string, cfg ServerConfig) (*AsynqServer, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	queues := parseQueueWeights(cfg.Queues)
	if len(queues) == 0 {
		queues = map[string]int{DefaultQueue: 1}
	}

	log := logging.Component(cfg.Logger, "queue")
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn().
				Err(err).
				Str("task_type", task.Type()).
				Int("retry", retried).
				Int("max_retry", maxRetry).
				Msg("task failed")
		}),
		Logger:   asynqLogger{log: log},
		LogLevel: asynq.WarnLevel,
	})
	return &AsynqServer{server: srv, mux: asynq.NewServeMux(), metrics: cfg.Metrics, log: log}, nil
}

// Register binds h to taskType.
func (s *AsynqServer) Register(taskType string, h Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		err := h(ctx, Task{Type: t.Type(), Payload: t.Payload()})
		s.metrics.RecordJob(t.Type(), err)
		return err
	})
}

// Run processes tasks until ctx is cancelled, then shuts down gracefully.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("asynq: start server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

// Scheduler enqueues periodic tasks.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler creates a scheduler for the Redis server at redisURL.
func NewScheduler(redisURL string, logger zerolog.Logger) (*Scheduler, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}

	log := logging.Component(logger, "scheduler")
	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger:   asynqLogger{log: log},
		LogLevel: asynq.WarnLevel,
		EnqueueErrorHandler: func(task *asynq.Task, _ []asynq.Option, err error) {
			log.Warn().Err(err).Str("task_type", task.Type()).Msg("scheduled enqueue failed")
		},
	})
	return &Scheduler{scheduler: s}, nil
}

// Every registers t to be enqueued once per interval.
func (s *Scheduler) Every(interval time.Duration, t Task, op EnqueueOption) (string, error) {
	if interval <= 0 {
		return "", errors.New("asynq: schedule interval must be > 0")
	}
	cronspec := "@every " + interval.String()
	return s.scheduler.Register(cronspec, asynq.NewTask(t.Type, t.Payload), asynqOptions(op)...)
}

// Run enqueues scheduled tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("asynq: start scheduler: %w", err)
	}
	<-ctx.Done()
	s.scheduler.Shutdown()
	return nil
}

// parseQueueWeights parses strings like "maintenance=2,default=1".
func parseQueueWeights(s string) map[string]int {
	res := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := strings.TrimSpace(kv[0])
		if name == "" {
			continue
		}
		w := 1
		if len(kv) == 2 {
			if i, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && i > 0 {
				w = i
			}
		}
		res[name] = w
	}
	return res
}

// asynqLogger routes asynq's internal logging into zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
