// Package job defines the job state model and the command contracts that
// platform integrations implement.
package job

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Phase is the coarse lifecycle classification of a job.
type Phase string

// Phase values. The set is closed; every consumer that branches on
// terminality relies on it.
const (
	PhasePending   Phase = "PENDING"
	PhaseRunning   Phase = "RUNNING"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
	PhaseError     Phase = "ERROR"
	PhaseTimeout   Phase = "TIMEOUT"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{PhasePending, PhaseRunning, PhaseSucceeded, PhaseFailed, PhaseError, PhaseTimeout}

// IsTerminal reports whether no further polling happens after this phase.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseError, PhaseTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePhase converts a phase name, case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// UnmarshalJSON accepts phase names in any case.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// State is one observation of a job's progress. A new State is produced on
// every status poll and is never modified afterwards.
type State struct {
	Phase     Phase  `json:"phase"`
	RawStatus any    `json:"raw_status"`
	Message   string `json:"message,omitempty"`
	Output    any    `json:"output,omitempty"`
}

// IsTerminal reports whether the state's phase is terminal.
func (s State) IsTerminal() bool {
	return s.Phase.IsTerminal()
}

// WithPhase returns a copy of s with only the phase replaced.
func (s State) WithPhase(p Phase) State {
	s.Phase = p
	return s
}

// Equal reports structural equality.
func (s State) Equal(other State) bool {
	return reflect.DeepEqual(s, other)
}

// Payload is the provider-specific input of a job.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value under key if it is a non-empty string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Plan is the opaque handle produced by Submit and consumed by Status.
type Plan map[string]any

// String returns the value under key if it is a non-empty string.
func (p Plan) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Info is the result of a Callback.
type Info map[string]any
