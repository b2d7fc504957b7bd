package loop

import (
	"slices"
	"time"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/executor"
	"github.com/xkilldash9x/sentient-cli/internal/planner"
)

const (
	recommendFailures    = "Consider alternative tools for failed steps"
	recommendBottlenecks = "Optimize slow steps or add parallelization"
	recommendTimeouts    = "Raise the step timeout or enable adaptive timeouts"
)

// Failure describes one step that did not succeed.
type Failure struct {
	Status     schemas.ExecutionStatus `json:"status"`
	Error      string                  `json:"error,omitempty"`
	Code       schemas.ErrorCode       `json:"error_code,omitempty"`
	Tool       string                  `json:"tool_used,omitempty"`
	RetryCount int                     `json:"retry_count"`
}

// Bottleneck is a step that ran longer than the configured threshold.
type Bottleneck struct {
	StepID     string `json:"step_id"`
	DurationMS int64  `json:"duration_ms"`
}

// Observation summarises the state of the current plan after an execution pass.
type Observation struct {
	PlanID          string             `json:"plan_id"`
	TotalSteps      int                `json:"total_steps"`
	CompletedSteps  int                `json:"completed_steps"`
	NewResults      int                `json:"new_results"`
	Attempted       int                `json:"attempted"`
	Failed          int                `json:"failed"`
	TimedOut        int                `json:"timed_out"`
	Skipped         int                `json:"skipped"`
	Failures        map[string]Failure `json:"failures,omitempty"`
	Bottlenecks     []Bottleneck       `json:"bottlenecks,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	DroppedSteps    []string           `json:"dropped_steps,omitempty"`
	PlanComplete    bool               `json:"plan_complete"`
	PlanStuck       bool               `json:"plan_stuck"`
	GoalSatisfied   bool               `json:"goal_satisfied"`
	Satisfaction    float64            `json:"satisfaction"`
}

// FailureRate is the share of attempted steps that failed, with timeouts
// counted at timeoutWeight.
func (o Observation) FailureRate(timeoutWeight float64) float64 {
	if o.Attempted == 0 {
		return 0
	}
	return (float64(o.Failed) + timeoutWeight*float64(o.TimedOut)) / float64(o.Attempted)
}

// ObservationEngine turns an execution context into an Observation.
type ObservationEngine struct {
	bottleneck   time.Duration
	allowDropped bool
}

// NewObservationEngine creates an engine. A zero bottleneck threshold means 5s.
func NewObservationEngine(bottleneck time.Duration, allowDropped bool) *ObservationEngine {
	if bottleneck <= 0 {
		bottleneck = 5 * time.Second
	}
	return &ObservationEngine{bottleneck: bottleneck, allowDropped: allowDropped}
}

// Observe analyses ec. newResults is how many results the last pass added.
//
// The goal is satisfied when the stop step succeeded and no work was dropped
// on the way there, unless dropping work is allowed. Satisfaction is the
// share of the original work that completed, dropped steps included in the
// denominator.
func (e *ObservationEngine) Observe(ec *executor.ExecutionContext, newResults int) Observation {
	obs := Observation{
		PlanID:       ec.Plan.PlanID,
		TotalSteps:   len(ec.Plan.Steps),
		NewResults:   newResults,
		DroppedSteps: planner.DroppedSteps(ec.Plan),
		PlanComplete: ec.IsPlanComplete(),
		PlanStuck:    ec.IsPlanStuck(),
	}

	for _, res := range ec.OrderedResults() {
		switch res.Status {
		case schemas.StatusSuccess:
			obs.Attempted++
			obs.CompletedSteps++
		case schemas.StatusSkipped:
			obs.Skipped++
			obs.CompletedSteps++
		case schemas.StatusFailed, schemas.StatusTimeout:
			obs.Attempted++
			if res.Status == schemas.StatusTimeout {
				obs.TimedOut++
			} else {
				obs.Failed++
			}
			if obs.Failures == nil {
				obs.Failures = make(map[string]Failure)
			}
			obs.Failures[res.StepID] = Failure{
				Status:     res.Status,
				Error:      res.Error,
				Code:       res.Code,
				Tool:       res.ToolUsed,
				RetryCount: res.RetryCount,
			}
		}
		if time.Duration(res.DurationMS)*time.Millisecond > e.bottleneck {
			obs.Bottlenecks = append(obs.Bottlenecks, Bottleneck{StepID: res.StepID, DurationMS: res.DurationMS})
		}
	}
	slices.SortStableFunc(obs.Bottlenecks, func(a, b Bottleneck) int {
		switch {
		case a.DurationMS > b.DurationMS:
			return -1
		case a.DurationMS < b.DurationMS:
			return 1
		}
		return 0
	})

	if obs.Failed > 0 {
		obs.Recommendations = append(obs.Recommendations, recommendFailures)
	}
	if obs.TimedOut > 0 {
		obs.Recommendations = append(obs.Recommendations, recommendTimeouts)
	}
	if len(obs.Bottlenecks) > 0 {
		obs.Recommendations = append(obs.Recommendations, recommendBottlenecks)
	}

	if total := obs.TotalSteps + len(obs.DroppedSteps); total > 0 {
		obs.Satisfaction = float64(obs.CompletedSteps) / float64(total)
	}
	obs.GoalSatisfied = obs.PlanComplete && (len(obs.DroppedSteps) == 0 || e.allowDropped)
	return obs
}
