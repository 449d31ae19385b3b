package workflow

import (
	"context"
	"jobflow/internal/apperrors"
	"jobflow/internal/config"
	"jobflow/pkg/backoff"
	"log/slog"
	"strings"
	"time"
)

// Operation names a command boundary of a run.
type Operation string

const (
	OpPrepare  Operation = "prepare"
	OpSubmit   Operation = "submit"
	OpStatus   Operation = "status"
	OpCallback Operation = "callback"
	OpDeliver  Operation = "deliver"
)

// Operations lists every command boundary in execution order.
var Operations = []Operation{OpPrepare, OpSubmit, OpStatus, OpCallback, OpDeliver}

// Call identifies one command invocation within a run.
type Call struct {
	RunID    string
	Platform string
	Op       Operation
}

// Executor runs command invocations. An executor may bound, retry or
// distribute them; the workflow only sees the final outcome.
type Executor interface {
	Invoke(ctx context.Context, call Call, fn func(ctx context.Context) (any, error)) (any, error)
}

// OperationRecorder records command invocation metrics.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, platform, op string, durationSeconds float64, err error)
}

// ExecutorConfig bounds command invocations. Zero values use defaults and
// zero retries means a single attempt. Webhook delivery is at most once
// unless DELIVER_RETRIES is set, and a retried delivery may reach the
// target more than once.
type ExecutorConfig struct {
	Timeouts map[Operation]time.Duration
	Retries  map[Operation]int
	Backoff  backoff.Config
}

var defaultTimeouts = map[Operation]time.Duration{
	OpPrepare:  5 * time.Minute,
	OpSubmit:   time.Minute,
	OpStatus:   30 * time.Second,
	OpCallback: 30 * time.Second,
	OpDeliver:  30 * time.Second,
}

// LoadExecutorConfigFromEnv reads <OP>_TIMEOUT and <OP>_RETRIES for each
// operation, e.g. STATUS_TIMEOUT=10s or STATUS_RETRIES=3. Retries default
// to zero for every operation.
func LoadExecutorConfigFromEnv() ExecutorConfig {
	cfg := ExecutorConfig{
		Timeouts: make(map[Operation]time.Duration, len(Operations)),
		Retries:  make(map[Operation]int, len(Operations)),
	}
	for _, op := range Operations {
		prefix := strings.ToUpper(string(op))
		cfg.Timeouts[op] = config.GetDurationEnv(prefix+"_TIMEOUT", defaultTimeouts[op])
		cfg.Retries[op] = config.GetIntEnv(prefix+"_RETRIES", 0)
	}
	return cfg
}

func (c ExecutorConfig) timeout(op Operation) time.Duration {
	if d, ok := c.Timeouts[op]; ok && d > 0 {
		return d
	}
	return defaultTimeouts[op]
}

// LocalExecutor runs invocations in the calling goroutine with a
// per-operation timeout and retry policy.
type LocalExecutor struct {
	config  ExecutorConfig
	metrics OperationRecorder
	logger  *slog.Logger
}

// NewLocalExecutor creates an executor. metrics may be nil.
func NewLocalExecutor(cfg ExecutorConfig, metrics OperationRecorder) *LocalExecutor {
	return &LocalExecutor{
		config:  cfg,
		metrics: metrics,
		logger:  slog.With("component", "executor"),
	}
}

func (e *LocalExecutor) Invoke(ctx context.Context, call Call, fn func(ctx context.Context) (any, error)) (any, error) {
	policy := backoff.Policy{
		Retries:   max(e.config.Retries[call.Op], 0),
		Backoff:   e.config.Backoff,
		Retryable: apperrors.Retryable,
		OnRetry: func(attempt int, err error) {
			e.logger.Warn("Retrying operation",
				"runId", call.RunID,
				"platform", call.Platform,
				"op", call.Op,
				"attempt", attempt,
				"error", err,
			)
		},
	}

	var out any
	start := time.Now()
	err := policy.Do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.timeout(call.Op))
		defer cancel()

		var err error
		out, err = fn(attemptCtx)
		return err
	})

	if e.metrics != nil {
		e.metrics.RecordOperation(ctx, call.Platform, string(call.Op), time.Since(start).Seconds(), err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// invoke runs fn through ex and restores its result type.
func invoke[T any](ctx context.Context, ex Executor, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	out, err := ex.Invoke(ctx, call, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	v, ok := out.(T)
	if !ok {
		return zero, apperrors.Internal(string(call.Op), errUnexpectedResult)
	}
	return v, nil
}

var _ Executor = (*LocalExecutor)(nil)
