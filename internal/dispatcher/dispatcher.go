// Package dispatcher delivers run lifecycle events asynchronously with
// buffering, retry and per-host circuit breaking. Events that share a key
// are delivered in the order they were dispatched.
package dispatcher

import (
	"context"
	"errors"
	"jobflow/pkg/cloudevent"
)

// ErrBufferFull is returned when the event's shard is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Key         string // ordering key, usually the run ID; empty = unordered
	Payload     *cloudevent.CloudEvent
	Destination string // event sink URL
	SigningKey  string // HMAC key for signing, empty = no signing
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // events waiting across all shards
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to a full shard or too many deferrals
	Deferred      int64 // deliveries held back by an open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
