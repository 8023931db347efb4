// Package planner implements collaborative planning: multiple VSM systems
// contribute partial plans toward a shared goal, and finalization merges
// the contributions into one ordered step list. Lifecycle changes are
// broadcast on the plan event bus; broadcasting is best effort and never
// fails the triggering operation.
package planner

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/errors"
	"github.com/adalundhe/viable/core/events"
	"github.com/adalundhe/viable/core/validation"
	"github.com/adalundhe/viable/core/vsm"
)

// ============================================================================
// TYPES
// ============================================================================

// State is a plan lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StatePlanning  State = "planning"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Step is one unit of work in a finalized plan. Step ids are assigned
// sequentially at finalization.
type Step struct {
	ID          string         `json:"id,omitempty"`
	Description string         `json:"description"`
	Capability  string         `json:"capability,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
}

// Contribution is one system's proposed partial plan.
type Contribution struct {
	System      vsm.System     `json:"system"`
	Steps       []Step         `json:"steps"`
	Resources   map[string]any `json:"resources,omitempty"`
	Priority    int            `json:"priority"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Plan is a collaboratively assembled unit of work.
type Plan struct {
	ID            string         `json:"id"`
	Goal          string         `json:"goal"`
	Context       map[string]any `json:"context,omitempty"`
	State         State          `json:"state"`
	Contributions []Contribution `json:"contributions"`
	Steps         []Step         `json:"steps,omitempty"`
	Error         string         `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TimeoutAt time.Time `json:"timeout_at"`
}

func (p *Plan) clone() *Plan {
	dup := *p
	if p.Context != nil {
		dup.Context = make(map[string]any, len(p.Context))
		for k, v := range p.Context {
			dup.Context[k] = v
		}
	}
	dup.Contributions = make([]Contribution, len(p.Contributions))
	copy(dup.Contributions, p.Contributions)
	dup.Steps = make([]Step, len(p.Steps))
	copy(dup.Steps, p.Steps)
	return &dup
}

// RequestOptions tune a single plan request.
type RequestOptions struct {
	// Timeout overrides the configured default plan deadline.
	Timeout time.Duration
}

// ListFilter narrows ListPlans results. Zero values match everything.
type ListFilter struct {
	State State
}

// Stats is a point-in-time snapshot of planner activity.
type Stats struct {
	Active        int           `json:"active"`
	ByState       map[State]int `json:"by_state"`
	Requested     int64         `json:"requested"`
	Contributions int64         `json:"contributions"`
	Finalized     int64         `json:"finalized"`
	Cancelled     int64         `json:"cancelled"`
	TimedOut      int64         `json:"timed_out"`
	Purged        int64         `json:"purged"`
}

// Planner owns every plan record and drives the contribution protocol.
type Planner struct {
	mu    sync.RWMutex
	plans map[string]*Plan

	cfg    config.PlannerConfig
	bus    *events.Bus
	logger *slog.Logger

	requested     atomic.Int64
	contributions atomic.Int64
	finalized     atomic.Int64
	cancelled     atomic.Int64
	timedOut      atomic.Int64
	purged        atomic.Int64

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

// New constructs a planner and starts its sweep loop. The bus may be nil;
// broadcasts then degrade to no-ops.
func New(cfg config.PlannerConfig, bus *events.Bus, logger *slog.Logger) *Planner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxContributions <= 0 {
		cfg.MaxContributions = 10
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Planner{
		plans:  make(map[string]*Plan),
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// ============================================================================
// PLAN LIFECYCLE
// ============================================================================

// RequestPlan opens a new plan in the pending state with a deadline and
// broadcasts a plan-request event.
func (p *Planner) RequestPlan(goal string, planContext map[string]any, opts RequestOptions) (*Plan, error) {
	if goal == "" {
		return nil, errors.New(errors.KindValidation, "missing required field: goal")
	}
	if err := validation.ContextSize(planContext); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}

	now := time.Now()
	plan := &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Context:   planContext,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(timeout),
	}

	p.mu.Lock()
	p.plans[plan.ID] = plan
	p.mu.Unlock()

	p.requested.Add(1)
	p.broadcast(events.TopicPlanRequest, plan.ID, map[string]any{
		"goal":       goal,
		"timeout_at": plan.TimeoutAt,
	})

	return plan.clone(), nil
}

// SubmitContribution appends one system's partial plan. Valid only while
// the plan is pending or planning; the first accepted contribution moves
// the plan to planning. The configured contribution ceiling is enforced
// before acceptance.
func (p *Planner) SubmitContribution(planID string, contrib Contribution) (*Plan, error) {
	if !contrib.System.Valid() {
		return nil, errors.Newf(errors.KindValidation, "unknown contributing system %q", contrib.System)
	}

	p.mu.Lock()

	plan, ok := p.plans[planID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Newf(errors.KindNotFound, "plan %s not found", planID)
	}
	if plan.State != StatePending && plan.State != StatePlanning {
		state := plan.State
		p.mu.Unlock()
		return nil, errors.Newf(errors.KindStateConflict,
			"cannot contribute to plan %s: current state is %s", planID, state)
	}
	if len(plan.Contributions) >= p.cfg.MaxContributions {
		p.mu.Unlock()
		return nil, errors.ErrMaxContributions
	}

	contrib.SubmittedAt = time.Now()
	plan.Contributions = append(plan.Contributions, contrib)
	plan.State = StatePlanning
	plan.UpdatedAt = contrib.SubmittedAt
	snapshot := plan.clone()

	p.mu.Unlock()

	p.contributions.Add(1)
	p.broadcast(events.TopicPlanUpdate, planID, map[string]any{
		"system":        string(contrib.System),
		"contributions": len(snapshot.Contributions),
	})

	return snapshot, nil
}

// FinalizePlan merges all contributions into the plan's flat step list and
// moves the plan to ready. Contributions merge in descending priority
// order, stable within equal priority; final step ids are sequential.
func (p *Planner) FinalizePlan(planID string) (*Plan, error) {
	p.mu.Lock()

	plan, ok := p.plans[planID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Newf(errors.KindNotFound, "plan %s not found", planID)
	}
	if plan.State != StatePending && plan.State != StatePlanning {
		state := plan.State
		p.mu.Unlock()
		return nil, errors.Newf(errors.KindStateConflict,
			"cannot finalize plan %s: current state is %s", planID, state)
	}
	if len(plan.Contributions) == 0 {
		p.mu.Unlock()
		return nil, errors.ErrNoContributions
	}

	ordered := make([]Contribution, len(plan.Contributions))
	copy(ordered, plan.Contributions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var steps []Step
	for _, contrib := range ordered {
		steps = append(steps, contrib.Steps...)
	}
	for i := range steps {
		steps[i].ID = fmt.Sprintf("step-%d", i)
	}

	plan.Steps = steps
	plan.State = StateReady
	plan.UpdatedAt = time.Now()
	snapshot := plan.clone()

	p.mu.Unlock()

	p.finalized.Add(1)
	p.broadcast(events.TopicPlanComplete, planID, map[string]any{
		"steps": len(steps),
	})

	return snapshot, nil
}

// StartExecution moves a ready plan to executing.
func (p *Planner) StartExecution(planID string) (*Plan, error) {
	return p.transition(planID, StateExecuting, StateReady)
}

// CompletePlan finishes an executing plan.
func (p *Planner) CompletePlan(planID string) (*Plan, error) {
	return p.transition(planID, StateComplete, StateExecuting)
}

// CancelPlan abandons a plan from any non-terminal state.
func (p *Planner) CancelPlan(planID, reason string) (*Plan, error) {
	p.mu.Lock()

	plan, ok := p.plans[planID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Newf(errors.KindNotFound, "plan %s not found", planID)
	}
	if plan.State.Terminal() {
		state := plan.State
		p.mu.Unlock()
		return nil, errors.Newf(errors.KindStateConflict,
			"cannot cancel plan %s: current state is %s", planID, state)
	}

	plan.State = StateCancelled
	plan.Error = reason
	plan.UpdatedAt = time.Now()
	snapshot := plan.clone()

	p.mu.Unlock()

	p.cancelled.Add(1)
	p.broadcast(events.TopicPlanResponse, planID, map[string]any{
		"cancelled": true,
		"reason":    reason,
	})

	return snapshot, nil
}

func (p *Planner) transition(planID string, next State, from State) (*Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plan, ok := p.plans[planID]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "plan %s not found", planID)
	}
	if plan.State != from {
		return nil, errors.Newf(errors.KindStateConflict,
			"cannot transition plan %s to %s: current state is %s", planID, next, plan.State)
	}

	plan.State = next
	plan.UpdatedAt = time.Now()
	return plan.clone(), nil
}

// ============================================================================
// READS
// ============================================================================

// GetPlan returns a plan by id.
func (p *Planner) GetPlan(planID string) (*Plan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	plan, ok := p.plans[planID]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "plan %s not found", planID)
	}
	return plan.clone(), nil
}

// ListPlans returns plans matching the filter, newest-first.
func (p *Planner) ListPlans(filter ListFilter) []*Plan {
	p.mu.RLock()
	out := make([]*Plan, 0, len(p.plans))
	for _, plan := range p.plans {
		if filter.State != "" && plan.State != filter.State {
			continue
		}
		out = append(out, plan.clone())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Subscribe registers a subscriber on the plan event bus.
func (p *Planner) Subscribe(sub events.Subscriber) {
	if p.bus != nil {
		p.bus.Subscribe(sub)
	}
}

// Unsubscribe removes a subscriber from the plan event bus.
func (p *Planner) Unsubscribe(subscriberID string) {
	if p.bus != nil {
		p.bus.Unsubscribe(subscriberID)
	}
}

// Stats snapshots the counters and live state distribution.
func (p *Planner) Stats() Stats {
	p.mu.RLock()
	byState := make(map[State]int)
	active := 0
	for _, plan := range p.plans {
		byState[plan.State]++
		if !plan.State.Terminal() {
			active++
		}
	}
	p.mu.RUnlock()

	return Stats{
		Active:        active,
		ByState:       byState,
		Requested:     p.requested.Load(),
		Contributions: p.contributions.Load(),
		Finalized:     p.finalized.Load(),
		Cancelled:     p.cancelled.Load(),
		TimedOut:      p.timedOut.Load(),
		Purged:        p.purged.Load(),
	}
}

// broadcast publishes a lifecycle event when a bus is attached.
func (p *Planner) broadcast(topic events.Topic, planID string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(topic, planID, payload)
}

// ============================================================================
// SWEEP
// ============================================================================

func (p *Planner) sweepLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

// sweep fails pending/planning plans past their deadline and purges
// terminal plans older than the retention window.
func (p *Planner) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var timedOut, purged int64
	for id, plan := range p.plans {
		switch {
		case (plan.State == StatePending || plan.State == StatePlanning) && now.After(plan.TimeoutAt):
			plan.State = StateFailed
			plan.Error = "timeout"
			plan.UpdatedAt = now
			timedOut++
			p.logger.Debug("plan timed out", "plan_id", id, "goal", plan.Goal)

		case plan.State.Terminal() && now.Sub(plan.UpdatedAt) > p.cfg.Retention:
			delete(p.plans, id)
			purged++
		}
	}

	if timedOut > 0 {
		p.timedOut.Add(timedOut)
	}
	if purged > 0 {
		p.purged.Add(purged)
	}
}

// Close stops the sweep loop. Safe to call more than once.
func (p *Planner) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.done
}
