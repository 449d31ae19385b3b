// Package run keeps the bookkeeping for workflow runs started through the
// service: the run record, its persistence and the lifecycle events.
package run

import (
	"context"
	"jobflow/internal/job"
	"jobflow/internal/workflow"
	"time"
)

// Record is the externally visible view of one run.
type Record struct {
	ID            string         `json:"id"`
	Platform      string         `json:"platform"`
	Stage         workflow.Stage `json:"stage"`
	Plan          job.Plan       `json:"plan,omitempty"`
	State         *job.State     `json:"state,omitempty"`
	Info          job.Info       `json:"info,omitempty"`
	Error         string         `json:"error,omitempty"`
	CallbackError string         `json:"callbackError,omitempty"`
	CallbackURL   string         `json:"callbackUrl,omitempty"`
	Polls         int            `json:"polls"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with r apart from the
// provider-owned plan, state and info values.
func (r *Record) Clone() *Record {
	c := *r
	if r.State != nil {
		s := *r.State
		c.State = &s
	}
	return &c
}

// ListOptions filters List results. Zero values match everything.
type ListOptions struct {
	Platform string
	Stage    workflow.Stage
	Limit    int // default 100
}

const defaultListLimit = 100

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return defaultListLimit
	}
	return o.Limit
}

func (o ListOptions) matches(r *Record) bool {
	if o.Platform != "" && r.Platform != o.Platform {
		return false
	}
	if o.Stage != "" && r.Stage != o.Stage {
		return false
	}
	return true
}

// Store persists run records.
//
// Create fails with a conflict error when the ID exists. Update applies fn
// to the current record atomically and fails with a not found error when
// the ID is unknown. List returns the newest records first.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, id string, fn func(*Record)) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Ping(ctx context.Context) error
	Close()
}
