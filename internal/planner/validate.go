package planner

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

// ErrInvalidPlan is wrapped around the diagnostics of a plan that failed
// validation.
var ErrInvalidPlan = errors.New("invalid plan")

// ValidatePlan checks the structural well-formedness of a plan: unique ids,
// known dependency targets, no cycles, exactly one stop step and every step
// reaching it. It reports diagnostics and never fails.
func ValidatePlan(plan *schemas.ExecutionPlan) (bool, []string) {
	if plan == nil || len(plan.Steps) == 0 {
		return false, []string{"plan has no steps"}
	}

	var issues []string
	ids := make(map[string]bool, len(plan.Steps))
	var stops []string

	for _, s := range plan.Steps {
		if s.StepID == "" {
			issues = append(issues, "step with empty id")
			continue
		}
		if ids[s.StepID] {
			issues = append(issues, fmt.Sprintf("duplicate step id %s", s.StepID))
		}
		ids[s.StepID] = true
		if _, err := schemas.ParseActionType(string(s.ActionType)); err != nil {
			issues = append(issues, fmt.Sprintf("%s has %v", s.StepID, err))
		}
		if s.ActionType == schemas.ActionStop {
			stops = append(stops, s.StepID)
		}
	}

	for _, s := range plan.Steps {
		for _, dep := range s.Dependencies {
			switch {
			case dep == s.StepID:
				issues = append(issues, fmt.Sprintf("circular dependency in %s", s.StepID))
			case !ids[dep]:
				issues = append(issues, fmt.Sprintf("%s depends on missing step %s", s.StepID, dep))
			}
		}
	}

	if cycle := findCycle(plan); cycle != nil {
		issues = append(issues, "dependency cycle: "+strings.Join(cycle, " -> "))
	}

	switch len(stops) {
	case 0:
		issues = append(issues, "no termination step found")
	case 1:
		reach := ancestors(plan, stops[0])
		for _, s := range plan.Steps {
			if s.StepID != stops[0] && s.StepID != "" && !reach[s.StepID] {
				issues = append(issues, fmt.Sprintf("%s cannot reach the termination step", s.StepID))
			}
		}
	default:
		issues = append(issues, "multiple termination steps: "+strings.Join(stops, ", "))
	}

	return len(issues) == 0, issues
}

// findCycle returns the first multi-step cycle found by a DFS in plan order.
// Self-loops are reported separately.
func findCycle(plan *schemas.ExecutionPlan) []string {
	deps := make(map[string][]string, len(plan.Steps))
	for _, s := range plan.Steps {
		deps[s.StepID] = s.Dependencies
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(deps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if dep == id {
				continue
			}
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				return append(slices.Clone(stack[start:]), dep)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range plan.Steps {
		if color[s.StepID] == white {
			if c := visit(s.StepID); c != nil {
				return c
			}
		}
	}
	return nil
}

// ancestors returns every step the given step depends on, transitively.
func ancestors(plan *schemas.ExecutionPlan, id string) map[string]bool {
	deps := make(map[string][]string, len(plan.Steps))
	for _, s := range plan.Steps {
		deps[s.StepID] = s.Dependencies
	}
	seen := map[string]bool{}
	queue := slices.Clone(deps[id])
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, deps[cur]...)
	}
	return seen
}

// dependents returns every step that transitively depends on one of roots.
func dependents(plan *schemas.ExecutionPlan, roots map[string]bool) map[string]bool {
	out := map[string]bool{}
	changed := true
	for changed {
		changed = false
		for _, s := range plan.Steps {
			if out[s.StepID] || roots[s.StepID] {
				continue
			}
			for _, dep := range s.Dependencies {
				if roots[dep] || out[dep] {
					out[s.StepID] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}

// leaves are the non-stop steps nothing else depends on, in plan order.
func leaves(steps []schemas.PlanStep) []string {
	used := map[string]bool{}
	for _, s := range steps {
		if s.ActionType == schemas.ActionStop {
			continue
		}
		for _, d := range s.Dependencies {
			used[d] = true
		}
	}
	var out []string
	for _, s := range steps {
		if s.ActionType != schemas.ActionStop && !used[s.StepID] {
			out = append(out, s.StepID)
		}
	}
	return out
}
