package schemas

import "time"

// -- Trace Schemas --

// LoopMetrics are the counters accumulated over every plan/execute cycle of one
// goal run.
type LoopMetrics struct {
	TotalSteps      int       `json:"total_steps"`
	SuccessfulSteps int       `json:"successful_steps"`
	FailedSteps     int       `json:"failed_steps"`
	TimeoutSteps    int       `json:"timeout_steps"`
	SkippedSteps    int       `json:"skipped_steps"`
	ReplanningCount int       `json:"replanning_count"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time,omitempty"`
}

// SuccessRate is successful over total steps, zero when nothing ran.
func (m LoopMetrics) SuccessRate() float64 {
	if m.TotalSteps == 0 {
		return 0
	}
	return float64(m.SuccessfulSteps) / float64(m.TotalSteps)
}

// Duration of the run; open runs are measured against now.
func (m LoopMetrics) Duration() time.Duration {
	if m.StartTime.IsZero() {
		return 0
	}
	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(m.StartTime)
}

// StepTrace is the per-step record sent to a TraceSink.
type StepTrace struct {
	TraceID     string          `json:"trace_id"`
	RunID       string          `json:"run_id,omitempty"`
	PlanID      string          `json:"plan_id"`
	StepID      string          `json:"step_id"`
	ActionType  ActionType      `json:"action_type"`
	Description string          `json:"description,omitempty"`
	ToolUsed    string          `json:"tool_used,omitempty"`
	Confidence  *float64        `json:"confidence,omitempty"`
	Status      ExecutionStatus `json:"status"`
	DurationMS  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
	Code        ErrorCode       `json:"error_code,omitempty"`
	InputsFrom  []string        `json:"inputs_from,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RunTrace is the aggregate record of one goal run.
type RunTrace struct {
	RunID           string      `json:"run_id"`
	Goal            string      `json:"goal"`
	Status          string      `json:"status"`
	Metrics         LoopMetrics `json:"metrics"`
	Reward          float64     `json:"reward"`
	ViolationsCount int         `json:"violations_count"`
	GoalAchieved    bool        `json:"goal_achieved"`
	Satisfaction    float64     `json:"satisfaction"`
	PlanConfidence  float64     `json:"plan_confidence"`
	PlanIDs         []string    `json:"plan_ids,omitempty"`
	ReplanReasons   []string    `json:"replan_reasons,omitempty"`
	Steps           []StepTrace `json:"-"`
	Timestamp       time.Time   `json:"timestamp"`
}

// ExperienceKind says whether an ExperienceRecord scores a step or a tool.
type ExperienceKind string

const (
	ExperienceStep ExperienceKind = "step"
	ExperienceTool ExperienceKind = "tool"
)

// ExperienceRecord is one performance sample kept by the adaptation history:
// 1.0 for a success, 0.0 for a failure, discounted for slow steps.
type ExperienceRecord struct {
	Kind      ExperienceKind `json:"kind"`
	Key       string         `json:"key"`
	Score     float64        `json:"score"`
	Timestamp time.Time      `json:"timestamp"`
}
