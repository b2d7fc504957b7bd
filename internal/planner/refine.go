package planner

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

const retryPrefix = "[RETRY] "

// Default refinement reasons.
const (
	ReasonStateUpdate = "execution_state_update"
	ReasonBacktrack   = "backtrack"
)

// ExecutionState is what the loop knows about a plan after executing it.
type ExecutionState struct {
	Results map[string]schemas.StepResult
	Outputs map[string]map[string]any
	// Reason is recorded as refinement_reason; empty picks a default.
	Reason string
	// Backtrack drops every failed branch regardless of remaining retries.
	Backtrack bool
}

// RefinePlan derives a new plan holding only the work that is still to be
// done. Retryable failures are re-included with their attempt bumped, exhausted
// ones are dropped with everything that depends on them. Outputs of completed
// dependencies are carried as "<dep>_output" inputs. The input plan is not
// modified.
func (p *Planner) RefinePlan(plan *schemas.ExecutionPlan, state ExecutionState) (*schemas.ExecutionPlan, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}

	completed := map[string]bool{}
	drop := map[string]bool{}
	retry := map[string]int{}

	for _, s := range plan.Steps {
		res, ok := state.Results[s.StepID]
		if !ok {
			continue
		}
		switch {
		case res.Status.SatisfiesDependency():
			completed[s.StepID] = true
		case res.Status.IsFailure():
			attempt := max(res.RetryCount, s.Attempt)
			if state.Backtrack || attempt >= s.RetryPolicy.MaxRetries {
				drop[s.StepID] = true
			} else {
				retry[s.StepID] = attempt + 1
			}
		}
	}

	for id := range dependents(plan, drop) {
		if !completed[id] {
			drop[id] = true
		}
	}

	var stop *schemas.PlanStep
	var steps []schemas.PlanStep
	// Dropped work accumulates across refinements.
	dropped := slices.Clone(DroppedSteps(plan))
	for _, s := range plan.Steps {
		if s.ActionType == schemas.ActionStop {
			st := s.Clone()
			stop = &st
			continue
		}
		if drop[s.StepID] {
			dropped = append(dropped, s.StepID)
			continue
		}
		if completed[s.StepID] {
			continue
		}

		out := s.Clone()
		if attempt, ok := retry[s.StepID]; ok {
			out.Attempt = attempt
			if !strings.HasPrefix(out.Description, retryPrefix) {
				out.Description = retryPrefix + out.Description
			}
		}
		out.Dependencies = nil
		for _, dep := range s.Dependencies {
			if !completed[dep] {
				out.Dependencies = append(out.Dependencies, dep)
				continue
			}
			key := dep + "_output"
			if output, ok := state.Outputs[dep]; ok {
				if out.Inputs == nil {
					out.Inputs = map[string]any{}
				}
				if _, explicit := out.Inputs[key]; !explicit {
					out.Inputs[key] = output
				}
			}
		}
		steps = append(steps, out)
	}

	if stop == nil {
		stop = &schemas.PlanStep{
			StepID:      "stop",
			ActionType:  schemas.ActionStop,
			Description: "Goal completed",
			RetryPolicy: schemas.RetryPolicy{MaxRetries: p.maxRetries},
		}
	}
	stop.Dependencies = leaves(steps)
	steps = append(steps, *stop)

	root := plan.PlanID
	if orig, ok := plan.Metadata[MetaOriginalPlanID].(string); ok && orig != "" {
		root = orig
	}
	count := 1
	if n, ok := plan.Metadata[MetaRefinementCount].(int); ok {
		count = n + 1
	}
	reason := state.Reason
	if reason == "" {
		reason = ReasonStateUpdate
		if state.Backtrack {
			reason = ReasonBacktrack
		}
	}

	refined := &schemas.ExecutionPlan{
		PlanID:    fmt.Sprintf("%s_refined_%d", root, count),
		Goal:      plan.Goal,
		Steps:     steps,
		CreatedAt: p.now(),
		Metadata:  make(map[string]any, len(plan.Metadata)+4),
	}
	for k, v := range plan.Metadata {
		refined.Metadata[k] = v
	}
	refined.Metadata[MetaRefinementReason] = reason
	refined.Metadata[MetaOriginalPlanID] = root
	refined.Metadata[MetaRefinementCount] = count
	refined.Metadata[MetaDroppedSteps] = slices.Clip(dropped)

	if ok, issues := ValidatePlan(refined); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(issues, "; "))
	}

	p.logger.Info("Refined plan.",
		zap.String("plan_id", refined.PlanID),
		zap.String("reason", reason),
		zap.Int("remaining_steps", len(steps)),
		zap.Strings("dropped", dropped),
		zap.Int("retries", len(retry)))
	return refined, nil
}

// DroppedSteps reads the dropped step ids recorded by RefinePlan.
func DroppedSteps(plan *schemas.ExecutionPlan) []string {
	if plan == nil {
		return nil
	}
	ids, _ := plan.Metadata[MetaDroppedSteps].([]string)
	return ids
}
