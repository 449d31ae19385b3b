// Package workflow drives a single job run through its stages: prepare,
// submit, poll until terminal or deadline, then call back.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"jobflow/internal/job"
	"jobflow/internal/provider"
	"log/slog"
	"time"
)

// Stage is the bookkeeping position of a run.
type Stage string

const (
	StageStarted    Stage = "STARTED"
	StagePrepared   Stage = "PREPARED"
	StageSubmitted  Stage = "SUBMITTED"
	StagePolling    Stage = "POLLING"
	StageSucceeded  Stage = "SUCCEEDED"
	StageFailed     Stage = "FAILED"
	StageError      Stage = "ERROR"
	StageTimeout    Stage = "TIMEOUT"
	StageCalledBack Stage = "CALLED_BACK"
	StageDone       Stage = "DONE"
	StageAborted    Stage = "ABORTED"
)

// StageFor returns the terminal stage named after a terminal phase.
func StageFor(p job.Phase) Stage {
	return Stage(p)
}

// IsFinal reports whether no further transitions follow.
func (s Stage) IsFinal() bool {
	return s == StageDone || s == StageAborted
}

var errUnexpectedResult = errors.New("executor returned unexpected result type")

// RunError reports a run aborted by a command error. No callback was made.
type RunError struct {
	Stage Stage
	Op    Operation
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run aborted at %s during %s: %v", e.Stage, e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a completed run. State is never altered by a
// callback failure; CallbackErr reports it separately.
type Result struct {
	RunID       string
	Platform    string
	Stage       Stage
	Plan        job.Plan
	State       job.State
	Info        job.Info
	CallbackErr error
	Polls       int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Transition is reported to observers on every stage change. The first
// transition has an empty From. Each poll is reported as a POLLING to
// POLLING transition.
type Transition struct {
	RunID    string
	Platform string
	From     Stage
	To       Stage
	Plan     job.Plan
	State    *job.State
	Err      error
	At       time.Time
}

// IsPoll reports whether t records a poll rather than a stage change.
func (t Transition) IsPoll() bool {
	return t.From == StagePolling && t.To == StagePolling
}

// Observer receives run transitions synchronously. Implementations must
// return quickly.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

// Resolver maps a platform name to its provider.
type Resolver interface {
	Resolve(name string) (provider.Provider, error)
}

// Deliverer delivers the final state of a run to a callback target.
type Deliverer interface {
	Deliver(ctx context.Context, target, runID string, state job.State) error
}

// RunRecorder records run-level metrics.
type RunRecorder interface {
	RecordRunStarted(ctx context.Context, platform string)
	RecordRunFinished(ctx context.Context, platform, phase string, durationSeconds float64)
	RecordRunAborted(ctx context.Context, platform, stage string)
	RecordPoll(ctx context.Context, platform, phase string)
	RecordCallbackFailed(ctx context.Context, platform string)
}

// Config wires a Workflow. Resolver is required.
type Config struct {
	Resolver  Resolver
	Executor  Executor
	Clock     Clock
	Deliverer Deliverer
	Observers []Observer
	Metrics   RunRecorder
}

// Workflow executes runs. It holds no per-run state and is safe for
// concurrent use.
type Workflow struct {
	resolver  Resolver
	executor  Executor
	clock     Clock
	deliverer Deliverer
	observers []Observer
	metrics   RunRecorder
}

// New creates a workflow, defaulting to a LocalExecutor and the system clock.
func New(cfg Config) *Workflow {
	w := &Workflow{
		resolver:  cfg.Resolver,
		executor:  cfg.Executor,
		clock:     cfg.Clock,
		deliverer: cfg.Deliverer,
		observers: cfg.Observers,
		metrics:   cfg.Metrics,
	}
	if w.executor == nil {
		w.executor = NewLocalExecutor(ExecutorConfig{}, nil)
	}
	if w.clock == nil {
		w.clock = SystemClock{}
	}
	return w
}

// Resolve exposes the platform lookup used by Run.
func (w *Workflow) Resolve(name string) (provider.Provider, error) {
	return w.resolver.Resolve(name)
}

// Run executes one run to completion. A validation or resolution error is
// returned before any command runs. A Prepare, Submit or Status error aborts
// the run with a *RunError and the partial result; no callback is made.
func (w *Workflow) Run(ctx context.Context, runID string, req Request) (*Result, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := w.resolver.Resolve(req.Platform)
	if err != nil {
		return nil, err
	}

	r := &runner{
		w:   w,
		p:   p,
		req: req,
		res: &Result{
			RunID:     runID,
			Platform:  req.Platform,
			Stage:     StageStarted,
			StartedAt: w.clock.Now(),
		},
		logger: slog.With("runId", runID, "platform", req.Platform),
	}
	return r.run(ctx)
}

// runner holds the state of one run.
type runner struct {
	w      *Workflow
	p      provider.Provider
	req    Request
	res    *Result
	logger *slog.Logger
}

func (r *runner) call(op Operation) Call {
	return Call{RunID: r.res.RunID, Platform: r.req.Platform, Op: op}
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	r.logger.Info("Run started", "pollInterval", r.req.PollInterval, "timeout", r.req.Timeout)
	if r.w.metrics != nil {
		r.w.metrics.RecordRunStarted(ctx, r.req.Platform)
	}
	r.notify(ctx, "", StageStarted, nil, nil)

	prepared, err := invoke(ctx, r.w.executor, r.call(OpPrepare), func(ctx context.Context) (job.Payload, error) {
		return r.p.Prepare.Prepare(ctx, r.req.Payload.Clone())
	})
	if err != nil {
		return r.abort(ctx, OpPrepare, err)
	}
	r.advance(ctx, StagePrepared, nil)

	plan, err := invoke(ctx, r.w.executor, r.call(OpSubmit), func(ctx context.Context) (job.Plan, error) {
		return r.p.Submit.Submit(ctx, prepared)
	})
	if err != nil {
		return r.abort(ctx, OpSubmit, err)
	}
	r.res.Plan = plan
	r.logger.Info("Job submitted")
	r.advance(ctx, StageSubmitted, nil)

	state, err := r.poll(ctx, plan)
	if err != nil {
		return r.abort(ctx, OpStatus, err)
	}
	r.res.State = state
	r.advance(ctx, StageFor(state.Phase), nil)

	r.callback(ctx, state)
	r.advance(ctx, StageCalledBack, r.res.CallbackErr)

	r.res.FinishedAt = r.w.clock.Now()
	r.advance(ctx, StageDone, nil)
	if r.w.metrics != nil {
		r.w.metrics.RecordRunFinished(ctx, r.req.Platform, string(state.Phase), r.res.FinishedAt.Sub(r.res.StartedAt).Seconds())
	}
	r.logger.Info("Run finished", "phase", state.Phase, "polls", r.res.Polls)
	return r.res, nil
}

// poll queries status until it is terminal or the deadline has passed. The
// deadline is fixed once, after submission, and checked against the clock
// read after each non-terminal status.
func (r *runner) poll(ctx context.Context, plan job.Plan) (job.State, error) {
	deadline := r.w.clock.Now().Add(r.req.Timeout)
	r.advance(ctx, StagePolling, nil)

	for {
		state, err := invoke(ctx, r.w.executor, r.call(OpStatus), func(ctx context.Context) (job.State, error) {
			return r.p.Status.Status(ctx, plan)
		})
		if err != nil {
			return job.State{}, err
		}
		r.res.Polls++
		if r.w.metrics != nil {
			r.w.metrics.RecordPoll(ctx, r.req.Platform, string(state.Phase))
		}
		r.notify(ctx, StagePolling, StagePolling, &state, nil)

		if state.IsTerminal() {
			return state, nil
		}

		now := r.w.clock.Now()
		if !now.Before(deadline) {
			r.logger.Warn("Run timed out", "lastPhase", state.Phase, "polls", r.res.Polls)
			return state.WithPhase(job.PhaseTimeout), nil
		}
		if err := r.w.clock.SleepUntil(ctx, now.Add(r.req.PollInterval)); err != nil {
			return job.State{}, err
		}
	}
}

// callback runs the provider callback and delivers the final state to the
// request's target. Both are attempted once; their errors are joined into
// CallbackErr and never alter the final state.
func (r *runner) callback(ctx context.Context, state job.State) {
	info, cbErr := invoke(ctx, r.w.executor, r.call(OpCallback), func(ctx context.Context) (job.Info, error) {
		return r.p.Callback.Callback(ctx, state)
	})
	r.res.Info = info

	var deliverErr error
	if r.req.CallbackURL != "" && r.w.deliverer != nil {
		_, deliverErr = r.w.executor.Invoke(ctx, r.call(OpDeliver), func(ctx context.Context) (any, error) {
			return nil, r.w.deliverer.Deliver(ctx, r.req.CallbackURL, r.res.RunID, state)
		})
	}

	if err := errors.Join(cbErr, deliverErr); err != nil {
		r.res.CallbackErr = err
		r.logger.Warn("Callback failed", "phase", state.Phase, "error", err)
		if r.w.metrics != nil {
			r.w.metrics.RecordCallbackFailed(ctx, r.req.Platform)
		}
	}
}

func (r *runner) abort(ctx context.Context, op Operation, err error) (*Result, error) {
	runErr := &RunError{Stage: r.res.Stage, Op: op, Err: err}
	r.logger.Error("Run aborted", "stage", r.res.Stage, "op", op, "error", err)
	if r.w.metrics != nil {
		r.w.metrics.RecordRunAborted(ctx, r.req.Platform, string(r.res.Stage))
	}

	r.res.FinishedAt = r.w.clock.Now()
	r.advance(ctx, StageAborted, runErr)
	return r.res, runErr
}

func (r *runner) advance(ctx context.Context, to Stage, err error) {
	from := r.res.Stage
	r.res.Stage = to

	var state *job.State
	if r.res.State.Phase != "" {
		s := r.res.State
		state = &s
	}
	r.notify(ctx, from, to, state, err)
}

func (r *runner) notify(ctx context.Context, from, to Stage, state *job.State, err error) {
	if len(r.w.observers) == 0 {
		return
	}
	t := Transition{
		RunID:    r.res.RunID,
		Platform: r.req.Platform,
		From:     from,
		To:       to,
		Plan:     r.res.Plan,
		State:    state,
		Err:      err,
		At:       r.w.clock.Now(),
	}
	for _, o := range r.w.observers {
		o.OnTransition(ctx, t)
	}
}

// IsAborted reports whether err is a run abort.
func IsAborted(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}
