package run

import (
	"context"
	"jobflow/internal/dispatcher"
	"jobflow/internal/workflow"
	"jobflow/pkg/cloudevent"
	"log/slog"
	"slices"
	"strings"
)

// EventTypePrefix prefixes the lower-cased stage in lifecycle event types,
// e.g. jobflow.run.submitted.
const EventTypePrefix = "jobflow.run."

const eventSource = "jobflow/service"

// EventType returns the lifecycle event type for a stage.
func EventType(s workflow.Stage) string {
	return EventTypePrefix + strings.ToLower(string(s))
}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Destination string   // event sink URL
	SigningKey  string   // HMAC key, empty = unsigned
	Types       []string // event types to publish, empty = all
}

// EventPublisher is a workflow observer that publishes every stage change
// as a CloudEvent through the dispatcher. Polls are not published. Delivery
// is best effort and independent of the run's callback.
type EventPublisher struct {
	dispatcher dispatcher.Dispatcher
	config     EventsConfig
	logger     *slog.Logger
}

// NewEventPublisher creates a publisher.
func NewEventPublisher(d dispatcher.Dispatcher, cfg EventsConfig) *EventPublisher {
	return &EventPublisher{
		dispatcher: d,
		config:     cfg,
		logger:     slog.With("component", "events"),
	}
}

func (p *EventPublisher) OnTransition(_ context.Context, t workflow.Transition) {
	if t.IsPoll() {
		return
	}
	eventType := EventType(t.To)
	if !FilteredEvents(eventType, p.config.Types) {
		return
	}

	data := map[string]any{
		"runId":    t.RunID,
		"platform": t.Platform,
		"from":     string(t.From),
		"stage":    string(t.To),
	}
	if t.Plan != nil {
		data["plan"] = t.Plan
	}
	if t.State != nil {
		data["state"] = t.State
	}
	if t.Err != nil {
		data["error"] = t.Err.Error()
	}

	ev := cloudevent.New(eventType, eventSource, t.RunID, data)
	ev.Time = t.At.UTC()
	err := p.dispatcher.Dispatch(&dispatcher.Event{
		Key:         t.RunID,
		Payload:     ev,
		Destination: p.config.Destination,
		SigningKey:  p.config.SigningKey,
	})
	if err != nil {
		p.logger.Warn("Event dropped", "runId", t.RunID, "type", eventType, "error", err)
	}
}

var _ workflow.Observer = (*EventPublisher)(nil)
