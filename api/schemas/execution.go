package schemas

import "time"

// -- Execution Schemas --

// ExecutionStatus tracks a step result through its lifecycle.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
	StatusTimeout ExecutionStatus = "timeout"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusTimeout:
		return true
	}
	return false
}

// IsFailure reports whether the status is a non-success outcome that blocks
// dependents (a hard failure or a timeout).
func (s ExecutionStatus) IsFailure() bool {
	return s == StatusFailed || s == StatusTimeout
}

// SatisfiesDependency reports whether dependents of a step in this status may run.
// A skipped step means "could not run", not "ran and failed", so it does not block.
func (s ExecutionStatus) SatisfiesDependency() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// ErrorCode classifies why a step did not succeed.
type ErrorCode string

const (
	CodeNoSuitableTool   ErrorCode = "no_suitable_tool"
	CodeToolSelection    ErrorCode = "tool_selection_error"
	CodeBlocked          ErrorCode = "blocked_by_guardrail"
	CodeToolError        ErrorCode = "tool_error"
	CodeTimeout          ErrorCode = "timeout"
	CodeCancelled        ErrorCode = "cancelled"
	CodeConditionInvalid ErrorCode = "condition_invalid"
	CodeConditionNotMet  ErrorCode = "condition_not_met"
	CodeUnsupported      ErrorCode = "unsupported_action"
	CodeQueryError       ErrorCode = "query_error"
	CodePanic            ErrorCode = "panic"
)

// StepResult is the record of one attempt of one step.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Status     ExecutionStatus `json:"status"`
	Output     map[string]any  `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       ErrorCode       `json:"error_code,omitempty"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	DurationMS int64           `json:"duration_ms"`
	ToolUsed   string          `json:"tool_used,omitempty"`
	Confidence *float64        `json:"rl_confidence,omitempty"`
	RetryCount int             `json:"retry_count"`
}

// ToolChoice is the answer of a tool-selection capability.
type ToolChoice struct {
	Tool       string  `json:"tool"`
	Confidence float64 `json:"confidence"`
}

// Unknown tool name returned by selectors when nothing fits.
const UnknownTool = "unknown"

// UpstreamOutput is the output of a completed dependency, handed to input
// mappers when chaining tools.
type UpstreamOutput struct {
	StepID string
	Tool   string
	Output map[string]any
}
