package orchestrator

import (
	"context"
	"fmt"

	"github.com/adalundhe/viable/core/llmcdn"
	"github.com/adalundhe/viable/core/planner"
	"github.com/adalundhe/viable/core/providers"
	"github.com/adalundhe/viable/core/registry"
	"github.com/adalundhe/viable/core/router"
	"github.com/adalundhe/viable/core/vsm"
)

// StepResult records the outcome of one executed plan step.
type StepResult struct {
	StepID     string `json:"step_id"`
	Capability string `json:"capability,omitempty"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ExecutionResult summarizes one ExecuteGoal run.
type ExecutionResult struct {
	PlanID    string       `json:"plan_id"`
	HandoffID string       `json:"handoff_id"`
	TraceID   string       `json:"trace_id"`
	Steps     []StepResult `json:"steps"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

// ExecuteGoal runs the full pipeline for a free-text goal: open a plan,
// contribute steps discovered from the capability registry, finalize, hand
// execution from Intelligence (S4) to Operations (S1), run every step, and
// close both the handoff and the plan. Step failures are isolated; one bad
// step never aborts the rest.
func (rt *Runtime) ExecuteGoal(ctx context.Context, goal string, goalContext map[string]any) (*ExecutionResult, error) {
	plan, err := rt.Planner.RequestPlan(goal, goalContext, planner.RequestOptions{})
	if err != nil {
		return nil, err
	}

	steps := rt.planSteps(ctx, goal)
	if _, err := rt.Planner.SubmitContribution(plan.ID, planner.Contribution{
		System:   vsm.System4,
		Steps:    steps,
		Priority: 1,
	}); err != nil {
		return nil, err
	}

	plan, err = rt.Planner.FinalizePlan(plan.ID)
	if err != nil {
		return nil, err
	}
	if _, err := rt.Planner.StartExecution(plan.ID); err != nil {
		return nil, err
	}

	// The goal travels to Operations inside a routed envelope; its id ties
	// the handoff context back to this execution.
	envelope := vsm.NewEnvelope(vsm.System4, vsm.System1, goal)
	transferContext := map[string]any{
		"message_id": envelope.ID,
		"goal":       envelope.Payload,
	}
	for k, v := range goalContext {
		transferContext[k] = v
	}

	transfer, err := rt.Handoffs.Initiate(envelope.Source, envelope.Target, transferContext)
	if err != nil {
		return nil, err
	}
	if _, err := rt.Handoffs.Accept(transfer.ID); err != nil {
		return nil, err
	}
	if _, err := rt.Handoffs.StartExecution(transfer.ID); err != nil {
		return nil, err
	}

	result := &ExecutionResult{
		PlanID:    plan.ID,
		HandoffID: transfer.ID,
		TraceID:   transfer.TraceID,
	}
	for _, step := range plan.Steps {
		stepResult := rt.executeStep(ctx, step)
		if stepResult.Error == "" {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Steps = append(result.Steps, stepResult)
	}

	if result.Succeeded == 0 && result.Failed > 0 {
		if _, err := rt.Handoffs.Rollback(transfer.ID, "all steps failed"); err != nil {
			rt.logger.Warn("handoff rollback failed", "handoff_id", transfer.ID, "error", err)
		}
		if _, err := rt.Planner.CancelPlan(plan.ID, "all steps failed"); err != nil {
			rt.logger.Warn("plan cancellation failed", "plan_id", plan.ID, "error", err)
		}
		return result, nil
	}

	if _, err := rt.Handoffs.Complete(transfer.ID, result.Steps); err != nil {
		rt.logger.Warn("handoff completion failed", "handoff_id", transfer.ID, "error", err)
	}
	if _, err := rt.Planner.CompletePlan(plan.ID); err != nil {
		rt.logger.Warn("plan completion failed", "plan_id", plan.ID, "error", err)
	}

	rt.logger.Info("goal executed",
		"plan_id", plan.ID,
		"trace_id", transfer.TraceID,
		"succeeded", result.Succeeded,
		"failed", result.Failed)

	return result, nil
}

// planSteps derives a step list from registry discovery. When nothing
// matches, the goal itself becomes a single completion step.
func (rt *Runtime) planSteps(ctx context.Context, goal string) []planner.Step {
	matches := rt.Registry.Discover(ctx, goal, registry.DiscoverOptions{})
	if len(matches) == 0 {
		return []planner.Step{{Description: goal}}
	}

	steps := make([]planner.Step, 0, len(matches))
	for _, match := range matches {
		steps = append(steps, planner.Step{
			Description: match.Capability.Description,
			Capability:  match.Capability.Name,
		})
	}
	return steps
}

// executeStep resolves one step: capability-backed steps route through the
// tool router when the capability names a tool, everything else goes
// through the cached completion path.
func (rt *Runtime) executeStep(ctx context.Context, step planner.Step) StepResult {
	result := StepResult{StepID: step.ID, Capability: step.Capability}

	if step.Capability != "" {
		capability, err := rt.Registry.GetByName(step.Capability)
		if err != nil {
			result.Error = err.Error()
			return result
		}

		if tool, ok := capability.Metadata["tool"].(string); ok && tool != "" {
			raw, err := rt.Router.CallTool(ctx, tool, step.Args, router.CallOptions{
				ClientID: "orchestrator",
			})
			if err != nil {
				result.Error = err.Error()
				return result
			}
			result.Output = raw
			return result
		}
	}

	resp, err := rt.CDN.Complete(ctx, &providers.Request{
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: fmt.Sprintf("Execute step: %s", step.Description)},
		},
	}, llmcdn.CallOptions{})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if len(resp.Choices) > 0 {
		result.Output = resp.Choices[0].Message.Content
	}
	return result
}
