package run

import (
	"context"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/provider"
	"jobflow/internal/workflow"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Runner executes workflow runs. *workflow.Workflow implements it.
type Runner interface {
	Resolve(name string) (provider.Provider, error)
	Run(ctx context.Context, runID string, req workflow.Request) (*workflow.Result, error)
}

// Service starts runs in the background and answers queries about them.
// The run record is the only shared state; the store observer attached to
// the workflow keeps it current.
type Service struct {
	runner Runner
	store  Store
	logger *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	active    atomic.Int64

	mu      sync.Mutex // guards closing and wg.Add
	closing bool
	wg      sync.WaitGroup
}

// NewService creates a service. runner's observers must include a
// StoreObserver on the same store.
func NewService(runner Runner, store Store) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:    runner,
		store:     store,
		logger:    slog.With("component", "runs"),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Start validates the request and resolves its platform, records the run
// and executes it in the background. An empty runID is replaced by a UUID;
// an existing one is a conflict.
func (s *Service) Start(ctx context.Context, runID string, req workflow.Request) (*Record, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.runner.Resolve(req.Platform); err != nil {
		return nil, err
	}

	if runID == "" {
		runID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := &Record{
		ID:          runID,
		Platform:    req.Platform,
		Stage:       workflow.StageStarted,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, apperrors.Unavailable("service is shutting down")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.store.Create(ctx, rec); err != nil {
		s.wg.Done()
		return nil, err
	}

	s.active.Add(1)
	go s.execute(runID, req)

	s.logger.Info("Run accepted", "runId", runID, "platform", req.Platform)
	return rec, nil
}

func (s *Service) execute(runID string, req workflow.Request) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	res, err := s.runner.Run(s.runCtx, runID, req)
	if err != nil && res == nil {
		// Rejected before any stage; mark the record so it does not stay STARTED.
		s.finish(runID, func(rec *Record) {
			rec.Stage = workflow.StageAborted
			rec.Error = err.Error()
		})
		return
	}
	if res != nil && res.Info != nil {
		s.finish(runID, func(rec *Record) {
			rec.Info = res.Info
		})
	}
}

func (s *Service) finish(runID string, fn func(*Record)) {
	err := s.store.Update(context.Background(), runID, func(rec *Record) {
		fn(rec)
		rec.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		s.logger.Error("Failed to update run", "runId", runID, "error", err)
	}
}

// Get returns the record of a run.
func (s *Service) Get(ctx context.Context, runID string) (*Record, error) {
	return s.store.Get(ctx, runID)
}

// List returns the newest runs matching opts.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	return s.store.List(ctx, opts)
}

// Active returns the number of runs in flight.
func (s *Service) Active() int64 {
	return s.active.Load()
}

// Ready reports whether the store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close stops accepting runs and waits for in-flight runs until ctx is
// done. Runs still in flight then are cancelled and end as ABORTED.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		return nil
	case <-ctx.Done():
		remaining := s.active.Load()
		s.logger.Warn("Cancelling in-flight runs", "count", remaining)
		s.cancelRun()
		<-done
		return fmt.Errorf("%d runs cancelled at shutdown: %w", remaining, ctx.Err())
	}
}
