// Package planner decomposes a natural-language goal into an execution plan
// (a DAG of steps ending in a single stop step) and refines plans after a
// partial execution.
package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// ErrEmptyGoal is returned by PlanGoal for a blank goal.
var ErrEmptyGoal = errors.New("goal is empty")

// Metadata keys written on every plan.
const (
	MetaConfidence       = "confidence"
	MetaStrategy         = "strategy"
	MetaAnalysis         = "goal_analysis"
	MetaContext          = "planning_context"
	MetaRefinementReason = "refinement_reason"
	MetaOriginalPlanID   = "original_plan_id"
	MetaRefinementCount  = "refinement_count"
	MetaDroppedSteps     = "dropped_steps"
)

// Planner produces and refines plans. It is safe for concurrent use as long as
// its Strategy is.
type Planner struct {
	logger     *zap.Logger
	strategy   Strategy
	maxRetries int
	now        func() time.Time
}

// New builds a planner. A nil strategy selects the heuristic templates.
func New(cfg config.PlannerConfig, strategy Strategy, logger *zap.Logger) *Planner {
	if strategy == nil {
		strategy = HeuristicStrategy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Planner{
		logger:     logger.Named("planner"),
		strategy:   strategy,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// StrategyName is the name of the configured strategy.
func (p *Planner) StrategyName() string { return p.strategy.Name() }

// PlanGoal analyses the goal, lets the strategy draft steps and normalises
// them into a validated plan.
func (p *Planner) PlanGoal(ctx context.Context, goal string, planCtx map[string]any) (*schemas.ExecutionPlan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}
	p.logger.Info("Planning for goal.", zap.String("goal", goal), zap.String("strategy", p.strategy.Name()))

	analysis := Analyze(goal)
	draft, err := p.strategy.Generate(ctx, goal, analysis, planCtx)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", p.strategy.Name(), err)
	}

	now := p.now()
	plan := &schemas.ExecutionPlan{
		PlanID:    fmt.Sprintf("plan_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8]),
		Goal:      goal,
		Steps:     normalize(draft.Steps, p.maxRetries),
		CreatedAt: now,
		Metadata: map[string]any{
			MetaConfidence: draft.Confidence,
			MetaStrategy:   p.strategy.Name(),
			MetaAnalysis:   analysis.asMap(),
		},
	}
	if len(planCtx) > 0 {
		plan.Metadata[MetaContext] = planCtx
	}

	if ok, issues := ValidatePlan(plan); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(issues, "; "))
	}

	p.logger.Info("Generated plan.",
		zap.String("plan_id", plan.PlanID),
		zap.Int("steps", len(plan.Steps)),
		zap.Float64("confidence", draft.Confidence))
	return plan, nil
}

// PlanConfidence reads the confidence recorded in plan metadata, zero when absent.
func PlanConfidence(plan *schemas.ExecutionPlan) float64 {
	if plan == nil {
		return 0
	}
	if f, ok := plan.Metadata[MetaConfidence].(float64); ok {
		return f
	}
	return 0
}

// normalize renumbers drafted steps step_1..step_n in order, drops any stop
// steps the strategy produced, fills in the default retry policy and appends a
// single stop step that depends on every leaf. Dependencies that point to
// unknown ids are kept verbatim so validation can report them.
func normalize(draft []schemas.PlanStep, maxRetries int) []schemas.PlanStep {
	rename := make(map[string]string, len(draft))
	stopDeps := map[string][]string{}
	n := 0
	for _, s := range draft {
		if s.ActionType == schemas.ActionStop {
			stopDeps[s.StepID] = s.Dependencies
			continue
		}
		n++
		rename[s.StepID] = fmt.Sprintf("step_%d", n)
	}

	steps := make([]schemas.PlanStep, 0, n+1)
	for _, s := range draft {
		if s.ActionType == schemas.ActionStop {
			continue
		}
		out := s.Clone()
		out.StepID = rename[s.StepID]
		out.Dependencies = nil
		for _, dep := range s.Dependencies {
			targets := []string{dep}
			if sd, isStop := stopDeps[dep]; isStop {
				targets = sd
			}
			for _, t := range targets {
				if r, ok := rename[t]; ok {
					t = r
				}
				if !slices.Contains(out.Dependencies, t) {
					out.Dependencies = append(out.Dependencies, t)
				}
			}
		}
		if out.RetryPolicy.MaxRetries <= 0 {
			out.RetryPolicy.MaxRetries = maxRetries
		}
		steps = append(steps, out)
	}

	steps = append(steps, schemas.PlanStep{
		StepID:       fmt.Sprintf("step_%d", n+1),
		ActionType:   schemas.ActionStop,
		Description:  "Goal completed",
		Dependencies: leaves(steps),
		RetryPolicy:  schemas.RetryPolicy{MaxRetries: maxRetries},
	})
	return steps
}
