package loop

import (
	"time"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/executor"
)

// State of the control loop.
type State string

const (
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateObserving State = "observing"
	StateDeciding  State = "deciding"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateHalted    State = "halted"
	StateError     State = "error"
)

// IsTerminal reports whether the loop stops in this state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateHalted, StateError:
		return true
	}
	return false
}

// Cycle is one observe/decide round, kept for the verbose view.
type Cycle struct {
	Index       int         `json:"index"`
	PlanID      string      `json:"plan_id"`
	Observation Observation `json:"observation"`
	Decision    Decision    `json:"decision"`
	Timestamp   time.Time   `json:"timestamp"`
}

// RunResult is the outcome of one RunGoal call.
type RunResult struct {
	RunID          string                      `json:"run_id"`
	Goal           string                      `json:"goal"`
	Status         State                       `json:"status"`
	Reason         string                      `json:"reason,omitempty"`
	Error          string                      `json:"error,omitempty"`
	Metrics        schemas.LoopMetrics         `json:"metrics"`
	Reward         float64                     `json:"reward"`
	GoalAchieved   bool                        `json:"goal_achieved"`
	Satisfaction   float64                     `json:"satisfaction"`
	PlanConfidence float64                     `json:"plan_confidence"`
	Plans          []*schemas.ExecutionPlan    `json:"plans,omitempty"`
	Cycles         []Cycle                     `json:"cycles,omitempty"`
	Violations     []schemas.Violation         `json:"violations,omitempty"`
	Steps          []schemas.StepTrace         `json:"steps,omitempty"`
	Final          *executor.ExecutionContext  `json:"-"`
}

// Plan is the most recent plan, nil when planning never succeeded.
func (r *RunResult) Plan() *schemas.ExecutionPlan {
	if len(r.Plans) == 0 {
		return nil
	}
	return r.Plans[len(r.Plans)-1]
}

// Succeeded reports a succeeded run.
func (r *RunResult) Succeeded() bool { return r.Status == StateSucceeded }

// Trace is the aggregate record handed to trace sinks.
func (r *RunResult) Trace() schemas.RunTrace {
	t := schemas.RunTrace{
		RunID:           r.RunID,
		Goal:            r.Goal,
		Status:          string(r.Status),
		Metrics:         r.Metrics,
		Reward:          r.Reward,
		ViolationsCount: len(r.Violations),
		GoalAchieved:    r.GoalAchieved,
		Satisfaction:    r.Satisfaction,
		PlanConfidence:  r.PlanConfidence,
		Steps:           r.Steps,
		Timestamp:       r.Metrics.EndTime,
	}
	for _, p := range r.Plans {
		t.PlanIDs = append(t.PlanIDs, p.PlanID)
	}
	for _, c := range r.Cycles {
		if c.Decision.Action == ActionReplan || c.Decision.Action == ActionBacktrack {
			t.ReplanReasons = append(t.ReplanReasons, c.Decision.Reason)
		}
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	return t
}
