package job

import (
	"context"
	"strings"
)

// PrepareCommand performs provider-side setup before submission and returns
// a possibly augmented payload. A payload missing a provider field with no
// sensible default fails with a validation error naming the field.
type PrepareCommand interface {
	Prepare(ctx context.Context, payload Payload) (Payload, error)
}

// SubmitCommand performs the submission call and returns an opaque plan.
//
// A response without the expected identifier yields an integration error;
// network and protocol failures yield a transport error carrying the cause.
type SubmitCommand interface {
	Submit(ctx context.Context, payload Payload) (Plan, error)
}

// StatusCommand queries the current status of a submitted job.
//
// Implementations map their native status vocabulary through a fixed table.
// A value missing from the table maps to PhaseError with the message
// "Unknown status: <value>". A native error status keeps the provider's own
// message. The plan must not be modified.
type StatusCommand interface {
	Status(ctx context.Context, plan Plan) (State, error)
}

// CallbackCommand delivers the final state to a provider-specific sink.
// Failures are returned, never swallowed, and do not alter the state.
type CallbackCommand interface {
	Callback(ctx context.Context, state State) (Info, error)
}

// PrepareFunc adapts a function to PrepareCommand.
type PrepareFunc func(ctx context.Context, payload Payload) (Payload, error)

func (f PrepareFunc) Prepare(ctx context.Context, payload Payload) (Payload, error) {
	return f(ctx, payload)
}

// SubmitFunc adapts a function to SubmitCommand.
type SubmitFunc func(ctx context.Context, payload Payload) (Plan, error)

func (f SubmitFunc) Submit(ctx context.Context, payload Payload) (Plan, error) {
	return f(ctx, payload)
}

// StatusFunc adapts a function to StatusCommand.
type StatusFunc func(ctx context.Context, plan Plan) (State, error)

func (f StatusFunc) Status(ctx context.Context, plan Plan) (State, error) {
	return f(ctx, plan)
}

// CallbackFunc adapts a function to CallbackCommand.
type CallbackFunc func(ctx context.Context, state State) (Info, error)

func (f CallbackFunc) Callback(ctx context.Context, state State) (Info, error) {
	return f(ctx, state)
}

// Passthrough is the default prepare step; it returns the payload unchanged.
var Passthrough PrepareCommand = PrepareFunc(func(_ context.Context, payload Payload) (Payload, error) {
	return payload, nil
})

// EchoCallback is the default callback. It does nothing and echoes the
// phase and output so callers can chain on the result.
var EchoCallback CallbackCommand = CallbackFunc(func(_ context.Context, state State) (Info, error) {
	return Echo(state), nil
})

// Echo builds the {phase, output} info returned by EchoCallback.
func Echo(state State) Info {
	return Info{
		"phase":  state.Phase,
		"output": state.Output,
	}
}

// StatusTable maps lower-case native status values to phases.
type StatusTable map[string]Phase

// Map classifies a native status value. Lookup is case-insensitive and a
// pure function of its input. An unknown value maps to PhaseError; the
// second result is false in that case.
func (t StatusTable) Map(native string) (Phase, bool) {
	p, ok := t[strings.ToLower(native)]
	if !ok {
		return PhaseError, false
	}
	return p, true
}

// StateFor builds the observed state for a native status value.
//
// Known values keep the provider message. Unknown values become PhaseError
// with a synthesized "Unknown status" message; a native error status keeps
// its own message verbatim.
func (t StatusTable) StateFor(native, message string, raw any) State {
	phase, known := t.Map(native)
	if !known {
		message = "Unknown status: " + strings.ToLower(native)
	}
	return State{Phase: phase, RawStatus: raw, Message: message}
}
