package run

import (
	"context"
	"jobflow/internal/workflow"
	"log/slog"
)

// StoreObserver keeps a run's record current as the workflow reports
// transitions.
type StoreObserver struct {
	store  Store
	logger *slog.Logger
}

// NewStoreObserver creates an observer writing to store.
func NewStoreObserver(store Store) *StoreObserver {
	return &StoreObserver{
		store:  store,
		logger: slog.With("component", "run-store"),
	}
}

// OnTransition writes even when the run context is cancelled so an aborted
// run still records its final stage.
func (o *StoreObserver) OnTransition(ctx context.Context, t workflow.Transition) {
	err := o.store.Update(context.WithoutCancel(ctx), t.RunID, func(rec *Record) {
		apply(rec, t)
	})
	if err != nil {
		o.logger.Error("Failed to record transition", "runId", t.RunID, "stage", t.To, "error", err)
	}
}

func apply(rec *Record, t workflow.Transition) {
	rec.Stage = t.To
	rec.UpdatedAt = t.At
	if t.Plan != nil {
		rec.Plan = t.Plan
	}
	if t.State != nil {
		s := *t.State
		rec.State = &s
	}
	if t.IsPoll() {
		rec.Polls++
	}

	switch t.To {
	case workflow.StageAborted:
		if t.Err != nil {
			rec.Error = t.Err.Error()
		}
	case workflow.StageCalledBack:
		if t.Err != nil {
			rec.CallbackError = t.Err.Error()
		}
	}
}

var _ workflow.Observer = (*StoreObserver)(nil)
