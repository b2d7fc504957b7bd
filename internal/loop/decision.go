package loop

import (
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// Action is what the loop does after deciding.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionSucceed   Action = "succeed"
	ActionFail      Action = "fail"
	ActionReplan    Action = "replan"
	ActionBacktrack Action = "backtrack"
	ActionHalt      Action = "halt"
)

// Decision reasons.
const (
	ReasonMaxSteps        = "max_steps_exceeded"
	ReasonMaxDuration     = "max_duration_exceeded"
	ReasonGuardrailHalt   = "guardrail_halt"
	ReasonGoalSatisfied   = "goal_satisfied"
	ReasonDroppedWork     = "goal_unmet_after_dropping_steps"
	ReasonHighFailureRate = "high_failure_rate"
	ReasonNoProgress      = "no_progress"
	ReasonPlanStuck       = "plan_stuck"
	ReasonRepeatedFailure = "repeated_failures"
	ReasonReplanExhausted = "replanning_budget_exhausted"
	ReasonProgressing     = "progressing"
	ReasonCancelled       = "cancelled"
	ReasonPlanningFailed  = "planning_failed"
	ReasonPanic           = "panic"
)

// Decision is the outcome of one deciding phase.
type Decision struct {
	Action Action         `json:"action"`
	Reason string         `json:"reason"`
	Params map[string]any `json:"params,omitempty"`
}

// DecisionInput is everything the decision engine looks at.
type DecisionInput struct {
	Observation   Observation
	Metrics       schemas.LoopMetrics
	Elapsed       time.Duration
	HaltRequested bool
	// Recent holds the statuses of every result of the run, oldest first.
	Recent []schemas.ExecutionStatus
}

// DecisionEngine picks the next loop action. It is stateless.
type DecisionEngine struct {
	cfg    config.LoopConfig
	logger *zap.Logger
}

// NewDecisionEngine creates an engine, filling unset windows with defaults.
func NewDecisionEngine(cfg config.LoopConfig, logger *zap.Logger) *DecisionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StuckWindow <= 0 {
		cfg.StuckWindow = 5
	}
	if cfg.MinStuckResults <= 0 {
		cfg.MinStuckResults = 3
	}
	if cfg.ReplanFailureRate <= 0 {
		cfg.ReplanFailureRate = 0.5
	}
	return &DecisionEngine{cfg: cfg, logger: logger.Named("decision")}
}

// Decide applies the rules in priority order: limits, success, business
// failure, replanning, stuck detection, continue.
func (d *DecisionEngine) Decide(in DecisionInput) Decision {
	if dec, halt := d.limits(in); halt {
		return dec
	}

	obs := in.Observation
	if obs.GoalSatisfied {
		return Decision{Action: ActionSucceed, Reason: ReasonGoalSatisfied,
			Params: map[string]any{"satisfaction": obs.Satisfaction}}
	}
	if obs.PlanComplete {
		return Decision{Action: ActionFail, Reason: ReasonDroppedWork,
			Params: map[string]any{"dropped_steps": obs.DroppedSteps}}
	}

	rate := obs.FailureRate(d.cfg.TimeoutFailureWeight)
	if rate > d.cfg.ReplanFailureRate && in.Metrics.ReplanningCount < d.cfg.MaxReplanning {
		return Decision{Action: ActionReplan, Reason: ReasonHighFailureRate,
			Params: map[string]any{"failure_rate": rate, "failures": len(obs.Failures)}}
	}

	if reason, stuck := d.stuck(in); stuck {
		if d.cfg.BacktrackOnFailure {
			return Decision{Action: ActionBacktrack, Reason: reason}
		}
		return Decision{Action: ActionHalt, Reason: reason}
	}

	return Decision{Action: ActionContinue, Reason: ReasonProgressing}
}

func (d *DecisionEngine) limits(in DecisionInput) (Decision, bool) {
	switch {
	case d.cfg.MaxSteps > 0 && in.Metrics.TotalSteps >= d.cfg.MaxSteps:
		d.logger.Warn("Exceeded max steps.", zap.Int("max_steps", d.cfg.MaxSteps))
		return Decision{Action: ActionHalt, Reason: ReasonMaxSteps,
			Params: map[string]any{"total_steps": in.Metrics.TotalSteps}}, true
	case d.cfg.MaxDuration > 0 && in.Elapsed > d.cfg.MaxDuration:
		d.logger.Warn("Exceeded max duration.", zap.Duration("max_duration", d.cfg.MaxDuration))
		return Decision{Action: ActionHalt, Reason: ReasonMaxDuration,
			Params: map[string]any{"elapsed_ms": in.Elapsed.Milliseconds()}}, true
	case in.HaltRequested:
		return Decision{Action: ActionHalt, Reason: ReasonGuardrailHalt}, true
	}
	return Decision{}, false
}

// stuck reports no forward progress: the last pass added nothing, every
// remaining step of the plan is dead, or the most recent results of the run
// all failed.
func (d *DecisionEngine) stuck(in DecisionInput) (string, bool) {
	if in.Observation.NewResults == 0 {
		return ReasonNoProgress, true
	}
	if in.Observation.PlanStuck {
		return ReasonPlanStuck, true
	}
	if len(in.Recent) < d.cfg.MinStuckResults {
		return "", false
	}
	window := in.Recent
	if len(window) > d.cfg.StuckWindow {
		window = window[len(window)-d.cfg.StuckWindow:]
	}
	for _, s := range window {
		if !s.IsFailure() {
			return "", false
		}
	}
	return ReasonRepeatedFailure, true
}
