package schemas

import (
	"fmt"
	"time"
)

// -- Plan Schemas --

// ActionType is the closed set of step kinds a plan can contain.
type ActionType string

const (
	ActionQuery     ActionType = "query"     // Delegated to an analysis capability.
	ActionExecute   ActionType = "execute"   // A tool invocation chosen by the tool selector.
	ActionCondition ActionType = "condition" // A threshold check against a prior output.
	ActionLoop      ActionType = "loop"      // Reserved; not executable.
	ActionParallel  ActionType = "parallel"  // Reserved; not executable.
	ActionStop      ActionType = "stop"      // Terminal step of every plan.
)

// ParseActionType converts a raw string (as produced by an LLM strategy, for
// instance) into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	switch at := ActionType(s); at {
	case ActionQuery, ActionExecute, ActionCondition, ActionLoop, ActionParallel, ActionStop:
		return at, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// RetryPolicy bounds how many times the loop may re-include a failed step.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// PlanStep is one node in an execution plan.
type PlanStep struct {
	StepID          string         `json:"step_id" yaml:"step_id"`
	ActionType      ActionType     `json:"action_type" yaml:"action_type"`
	Description     string         `json:"description" yaml:"description"`
	ToolHint        string         `json:"tool_hint,omitempty" yaml:"tool_hint,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	ExpectedOutput  string         `json:"expected_output,omitempty" yaml:"expected_output,omitempty"`
	SuccessCriteria string         `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	RetryPolicy     RetryPolicy    `json:"retry_policy" yaml:"retry_policy"`
	// Attempt is the retry ordinal assigned by plan refinement. Zero is the first try.
	Attempt int `json:"attempt,omitempty" yaml:"attempt,omitempty"`
}

// DependsOn reports whether id is a declared dependency of the step.
func (s PlanStep) DependsOn(id string) bool {
	for _, dep := range s.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the step. Input values are copied one level deep,
// which is enough since steps never mutate nested input values.
func (s PlanStep) Clone() PlanStep {
	out := s
	if s.Dependencies != nil {
		out.Dependencies = append([]string(nil), s.Dependencies...)
	}
	if s.Inputs != nil {
		out.Inputs = make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			out.Inputs[k] = v
		}
	}
	return out
}

// ExecutionPlan is a DAG of steps. A plan is treated as immutable once it has
// been handed out by the planner; refinement always produces a new plan.
type ExecutionPlan struct {
	PlanID    string         `json:"plan_id" yaml:"plan_id"`
	Goal      string         `json:"goal" yaml:"goal"`
	Steps     []PlanStep     `json:"steps" yaml:"steps"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step looks up a step by id.
func (p *ExecutionPlan) Step(id string) (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// StopStep returns the first stop step of the plan, if any.
func (p *ExecutionPlan) StopStep() (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.ActionType == ActionStop {
			return s, true
		}
	}
	return PlanStep{}, false
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	out := *p
	out.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ToolSequence returns the tool hints of execute steps in plan order. Used for
// tool-chain diagnostics.
func (p *ExecutionPlan) ToolSequence() []string {
	var seq []string
	for _, s := range p.Steps {
		if s.ActionType == ActionExecute && s.ToolHint != "" {
			seq = append(seq, s.ToolHint)
		}
	}
	return seq
}
