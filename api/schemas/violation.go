package schemas

import "time"

// -- Guardrail Schemas --

// ViolationType classifies a guardrail breach.
type ViolationType string

const (
	ViolationResourceLimit       ViolationType = "resource_limit"
	ViolationTimeLimit           ViolationType = "time_limit"
	ViolationLoopDetected        ViolationType = "loop_detected"
	ViolationUnsafeOperation     ViolationType = "unsafe_operation"
	ViolationRateLimit           ViolationType = "rate_limit"
	ViolationPermissionDenied    ViolationType = "permission_denied"
	ViolationConfidenceThreshold ViolationType = "confidence_threshold"
)

// Severity of a violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation is an immutable record of a detected breach.
type Violation struct {
	Type      ViolationType  `json:"violation_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// ShouldHalt reports whether the violation requires execution to stop.
func (v Violation) ShouldHalt() bool {
	return v.Severity == SeverityError || v.Severity == SeverityCritical
}
