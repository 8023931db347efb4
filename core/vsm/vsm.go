// Package vsm defines the five-tier control hierarchy and the typed message
// envelope work items travel in between tiers.
package vsm

import (
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/viable/core/errors"
)

// System identifies one of the five VSM control systems.
type System string

const (
	// System1 is Operations: the units doing the actual work.
	System1 System = "system1"

	// System2 is Coordination: anti-oscillation between operational units.
	System2 System = "system2"

	// System3 is Control: resource bargaining and internal regulation.
	System3 System = "system3"

	// System4 is Intelligence: outward- and future-facing planning.
	System4 System = "system4"

	// System5 is Policy: identity and ultimate authority.
	System5 System = "system5"
)

// Systems lists all valid systems in hierarchy order.
func Systems() []System {
	return []System{System1, System2, System3, System4, System5}
}

// Valid reports whether s is a member of the fixed enumeration.
func (s System) Valid() bool {
	switch s {
	case System1, System2, System3, System4, System5:
		return true
	}
	return false
}

// Parse converts a raw string into a System, failing on anything outside
// the enumeration.
func Parse(raw string) (System, error) {
	s := System(raw)
	if !s.Valid() {
		return "", errors.Newf(errors.KindValidation, "unknown vsm system: %s", raw)
	}
	return s, nil
}

// NewTraceID generates a fresh correlation identifier.
func NewTraceID() string {
	return "trace-" + uuid.NewString()
}

// NewSpanID generates a fresh span identifier.
func NewSpanID() string {
	return "span-" + uuid.NewString()
}

// =============================================================================
// Envelope - Typed Message Carrier
// =============================================================================

// Envelope wraps a payload with routing and correlation metadata. It is the
// unit routed between systems by the orchestrator and the planner bus.
type Envelope[T any] struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// CorrelationID links requests to responses.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Source is the system that created the message.
	Source System `json:"source"`

	// Target is the intended recipient system, empty for broadcasts.
	Target System `json:"target,omitempty"`

	// Payload is the typed message content.
	Payload T `json:"payload"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// NewEnvelope creates an envelope with a fresh id and timestamp.
func NewEnvelope[T any](source, target System, payload T) *Envelope[T] {
	return &Envelope[T]{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Reply creates a response envelope correlated to e, with source and target
// swapped.
func (e *Envelope[T]) Reply(payload T) *Envelope[T] {
	return &Envelope[T]{
		ID:            uuid.NewString(),
		CorrelationID: e.ID,
		Source:        e.Target,
		Target:        e.Source,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
}
