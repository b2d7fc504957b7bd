package executor

import (
	"maps"
	"slices"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

// ExecutionContext is the state of one ExecutePlan call. Only the scheduler
// goroutine writes to it; steps see Snapshot copies.
type ExecutionContext struct {
	Plan    *schemas.ExecutionPlan
	Results map[string]schemas.StepResult
	Outputs map[string]map[string]any
	State   map[string]any
	TraceID string
	RunID   string

	// completion order of Results
	order []string
}

func newExecutionContext(plan *schemas.ExecutionPlan, traceID, runID string, state map[string]any) *ExecutionContext {
	st := make(map[string]any, len(state))
	maps.Copy(st, state)
	return &ExecutionContext{
		Plan:    plan,
		Results: make(map[string]schemas.StepResult, len(plan.Steps)),
		Outputs: make(map[string]map[string]any, len(plan.Steps)),
		State:   st,
		TraceID: traceID,
		RunID:   runID,
	}
}

func (c *ExecutionContext) record(res schemas.StepResult) {
	if _, seen := c.Results[res.StepID]; !seen {
		c.order = append(c.order, res.StepID)
	}
	c.Results[res.StepID] = res
	if res.Status == schemas.StatusSuccess && res.Output != nil {
		c.Outputs[res.StepID] = res.Output
	}
}

// ExecutableSteps is the frontier: steps without a result whose dependencies
// all satisfy (succeeded or were skipped).
func (c *ExecutionContext) ExecutableSteps() []schemas.PlanStep {
	var out []schemas.PlanStep
	for _, s := range c.Plan.Steps {
		if _, done := c.Results[s.StepID]; done {
			continue
		}
		ready := true
		for _, dep := range s.Dependencies {
			r, ok := c.Results[dep]
			if !ok || !r.Status.SatisfiesDependency() {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// CompletedSteps lists the steps that have a terminal result, in completion order.
func (c *ExecutionContext) CompletedSteps() []string {
	return slices.Clone(c.order)
}

// OrderedResults returns the results in completion order.
func (c *ExecutionContext) OrderedResults() []schemas.StepResult {
	out := make([]schemas.StepResult, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.Results[id])
	}
	return out
}

// LastOutput returns the most recently recorded successful output.
func (c *ExecutionContext) LastOutput() (string, map[string]any, bool) {
	for i := len(c.order) - 1; i >= 0; i-- {
		if out, ok := c.Outputs[c.order[i]]; ok {
			return c.order[i], out, true
		}
	}
	return "", nil, false
}

// IsPlanComplete reports whether the stop step has succeeded.
func (c *ExecutionContext) IsPlanComplete() bool {
	stop, ok := c.Plan.StopStep()
	if !ok {
		return false
	}
	r, ok := c.Results[stop.StepID]
	return ok && r.Status == schemas.StatusSuccess
}

// IsPlanStuck reports whether some work remains and none of it can ever run:
// every incomplete step failed, timed out, or sits behind such a step.
func (c *ExecutionContext) IsPlanStuck() bool {
	dead := c.deadSteps()
	incomplete := 0
	for _, s := range c.Plan.Steps {
		r, ok := c.Results[s.StepID]
		if ok && r.Status.SatisfiesDependency() {
			continue
		}
		incomplete++
		if !dead[s.StepID] {
			return false
		}
	}
	return incomplete > 0
}

func (c *ExecutionContext) deadSteps() map[string]bool {
	dead := map[string]bool{}
	for id, r := range c.Results {
		if r.Status.IsFailure() {
			dead[id] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, s := range c.Plan.Steps {
			if dead[s.StepID] {
				continue
			}
			if r, ok := c.Results[s.StepID]; ok && r.Status.SatisfiesDependency() {
				continue
			}
			for _, dep := range s.Dependencies {
				if dead[dep] {
					dead[s.StepID] = true
					changed = true
					break
				}
			}
		}
	}
	return dead
}

// Snapshot is the read-only view handed to tool selectors: the caller state
// plus the completed outputs keyed "<step>_output".
func (c *ExecutionContext) Snapshot() map[string]any {
	out := make(map[string]any, len(c.State)+len(c.Outputs)+2)
	maps.Copy(out, c.State)
	for id, o := range c.Outputs {
		out[id+"_output"] = o
	}
	out["completed_steps"] = c.CompletedSteps()
	out["trace_id"] = c.TraceID
	return out
}

// upstream returns the outputs of the step's direct dependencies, most
// recently completed first.
func (c *ExecutionContext) upstream(step schemas.PlanStep) []schemas.UpstreamOutput {
	var out []schemas.UpstreamOutput
	for i := len(c.order) - 1; i >= 0; i-- {
		id := c.order[i]
		if !step.DependsOn(id) {
			continue
		}
		o, ok := c.Outputs[id]
		if !ok {
			continue
		}
		out = append(out, schemas.UpstreamOutput{StepID: id, Tool: c.Results[id].ToolUsed, Output: o})
	}
	return out
}
