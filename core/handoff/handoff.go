// Package handoff implements the work-transfer protocol between VSM
// systems. A handoff is a small state machine: it is initiated by one
// system, accepted and executed by another, and ends completed, rolled
// back, or failed. A background sweep enforces timeouts and retention.
package handoff

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/errors"
	"github.com/adalundhe/viable/core/validation"
	"github.com/adalundhe/viable/core/vsm"
)

// ============================================================================
// TYPES
// ============================================================================

// State is a handoff lifecycle state.
type State string

const (
	StateInitiated  State = "initiated"
	StateAccepted   State = "accepted"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRolledBack, StateFailed:
		return true
	default:
		return false
	}
}

// Handoff is one tracked transfer of execution responsibility.
type Handoff struct {
	ID         string         `json:"id"`
	FromSystem vsm.System     `json:"from_system"`
	ToSystem   vsm.System     `json:"to_system"`
	Context    map[string]any `json:"context,omitempty"`
	State      State          `json:"state"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	InitiatedAt time.Time  `json:"initiated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a call-scoped copy so callers cannot mutate stored state.
func (h *Handoff) clone() *Handoff {
	dup := *h
	if h.Context != nil {
		dup.Context = make(map[string]any, len(h.Context))
		for k, v := range h.Context {
			dup.Context[k] = v
		}
	}
	if h.AcceptedAt != nil {
		t := *h.AcceptedAt
		dup.AcceptedAt = &t
	}
	if h.CompletedAt != nil {
		t := *h.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	From  vsm.System
	To    vsm.System
	State State
}

// Stats is a point-in-time snapshot of handoff activity.
type Stats struct {
	Active     int           `json:"active"`
	ByState    map[State]int `json:"by_state"`
	Initiated  int64         `json:"initiated"`
	Completed  int64         `json:"completed"`
	RolledBack int64         `json:"rolled_back"`
	Failed     int64         `json:"failed"`
	TimedOut   int64         `json:"timed_out"`
	Purged     int64         `json:"purged"`
}

// Manager owns every handoff record. All state mutation happens inside
// its critical sections; the sweep shares the same lock, so transitions
// and timeout enforcement never interleave mid-record.
type Manager struct {
	mu       sync.RWMutex
	handoffs map[string]*Handoff

	cfg    config.HandoffConfig
	logger *slog.Logger

	initiated  atomic.Int64
	completed  atomic.Int64
	rolledBack atomic.Int64
	failed     atomic.Int64
	timedOut   atomic.Int64
	purged     atomic.Int64

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

// NewManager constructs a handoff manager and starts its sweep loop.
func NewManager(cfg config.HandoffConfig, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		handoffs: make(map[string]*Handoff),
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// Initiate creates a new handoff in the initiated state with fresh
// trace/span correlation identifiers. Both systems must be members of the
// five-system enumeration and the context must fit the size bound; the
// record is never stored when validation fails.
func (m *Manager) Initiate(from, to vsm.System, handoffContext map[string]any) (*Handoff, error) {
	if !from.Valid() {
		return nil, errors.Newf(errors.KindValidation, "unknown from_system %q", from)
	}
	if !to.Valid() {
		return nil, errors.Newf(errors.KindValidation, "unknown to_system %q", to)
	}
	if err := validation.ContextSize(handoffContext); err != nil {
		return nil, err
	}

	h := &Handoff{
		ID:          uuid.NewString(),
		FromSystem:  from,
		ToSystem:    to,
		Context:     handoffContext,
		State:       StateInitiated,
		TraceID:     vsm.NewTraceID(),
		SpanID:      vsm.NewSpanID(),
		InitiatedAt: time.Now(),
	}

	m.mu.Lock()
	m.handoffs[h.ID] = h
	m.mu.Unlock()

	m.initiated.Add(1)
	m.logger.Debug("handoff initiated",
		"handoff_id", h.ID,
		"from", from,
		"to", to,
		"trace_id", h.TraceID)

	return h.clone(), nil
}

// Accept moves an initiated handoff to accepted.
func (m *Manager) Accept(id string) (*Handoff, error) {
	return m.transition(id, StateAccepted, func(h *Handoff) {
		now := time.Now()
		h.AcceptedAt = &now
	}, StateInitiated)
}

// StartExecution moves an accepted handoff to executing.
func (m *Manager) StartExecution(id string) (*Handoff, error) {
	return m.transition(id, StateExecuting, nil, StateAccepted)
}

// Complete finishes a handoff from accepted or executing, recording the
// result and stamping the completion time.
func (m *Manager) Complete(id string, result any) (*Handoff, error) {
	h, err := m.transition(id, StateCompleted, func(h *Handoff) {
		h.Result = result
		now := time.Now()
		h.CompletedAt = &now
	}, StateAccepted, StateExecuting)
	if err == nil {
		m.completed.Add(1)
	}
	return h, err
}

// Rollback abandons a handoff from any pre-terminal state.
func (m *Manager) Rollback(id string, reason string) (*Handoff, error) {
	h, err := m.transition(id, StateRolledBack, func(h *Handoff) {
		h.Error = reason
		now := time.Now()
		h.CompletedAt = &now
	}, StateInitiated, StateAccepted, StateExecuting)
	if err == nil {
		m.rolledBack.Add(1)
	}
	return h, err
}

// transition applies next when the current state is one of from. An
// attempt from any other state fails naming the actual current state and
// leaves the record untouched.
func (m *Manager) transition(id string, next State, mutate func(*Handoff), from ...State) (*Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handoffs[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "handoff %s not found", id)
	}

	valid := false
	for _, s := range from {
		if h.State == s {
			valid = true
			break
		}
	}
	if !valid {
		return nil, errors.Newf(errors.KindStateConflict,
			"cannot transition handoff %s to %s: current state is %s", id, next, h.State)
	}

	h.State = next
	if mutate != nil {
		mutate(h)
	}
	return h.clone(), nil
}

// ============================================================================
// READS
// ============================================================================

// Get returns a handoff by id.
func (m *Manager) Get(id string) (*Handoff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handoffs[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "handoff %s not found", id)
	}
	return h.clone(), nil
}

// List returns handoffs matching the filter, newest-first.
func (m *Manager) List(filter ListFilter) []*Handoff {
	m.mu.RLock()
	out := make([]*Handoff, 0, len(m.handoffs))
	for _, h := range m.handoffs {
		if filter.From != "" && h.FromSystem != filter.From {
			continue
		}
		if filter.To != "" && h.ToSystem != filter.To {
			continue
		}
		if filter.State != "" && h.State != filter.State {
			continue
		}
		out = append(out, h.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].InitiatedAt.After(out[j].InitiatedAt)
	})
	return out
}

// Stats snapshots the counters and live state distribution.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	byState := make(map[State]int)
	active := 0
	for _, h := range m.handoffs {
		byState[h.State]++
		if !h.State.Terminal() {
			active++
		}
	}
	m.mu.RUnlock()

	return Stats{
		Active:     active,
		ByState:    byState,
		Initiated:  m.initiated.Load(),
		Completed:  m.completed.Load(),
		RolledBack: m.rolledBack.Load(),
		Failed:     m.failed.Load(),
		TimedOut:   m.timedOut.Load(),
		Purged:     m.purged.Load(),
	}
}

// ============================================================================
// SWEEP
// ============================================================================

func (m *Manager) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// sweep fails non-terminal handoffs past the configured timeout and
// deletes terminal handoffs older than the retention window. Timed-out
// handoffs count toward the failed statistic.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var timedOut, purged int64
	for id, h := range m.handoffs {
		if !h.State.Terminal() {
			if now.Sub(h.InitiatedAt) > m.cfg.Timeout {
				h.State = StateFailed
				h.Error = "timeout"
				completedAt := now
				h.CompletedAt = &completedAt
				timedOut++
				m.logger.Debug("handoff timed out",
					"handoff_id", id,
					"from", h.FromSystem,
					"to", h.ToSystem)
			}
			continue
		}

		terminalAt := h.InitiatedAt
		if h.CompletedAt != nil {
			terminalAt = *h.CompletedAt
		}
		if now.Sub(terminalAt) > m.cfg.Retention {
			delete(m.handoffs, id)
			purged++
		}
	}

	if timedOut > 0 {
		m.timedOut.Add(timedOut)
		m.failed.Add(timedOut)
	}
	if purged > 0 {
		m.purged.Add(purged)
	}
}

// Close stops the sweep loop. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
}
