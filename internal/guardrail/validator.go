package guardrail

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

const (
	rateWindow = time.Minute
	// rateWarnRatio of max_operations_per_minute triggers the "approaching" warning.
	rateWarnRatio = 0.8
)

// Confidence kinds accepted by ValidateConfidence.
const (
	ConfidenceTool = "tool"
	ConfidencePlan = "plan"
)

// OperationValidator screens operations before they run and tracks operation
// and failure rates.
type OperationValidator struct {
	policy     config.SafetyPolicy
	prohibited []*regexp.Regexp
	limiter    *rate.Limiter
	now        func() time.Time

	mu       sync.Mutex
	ops      []time.Time
	failures []time.Time
}

// NewOperationValidator compiles the policy.
func NewOperationValidator(policy config.SafetyPolicy) *OperationValidator {
	v := &OperationValidator{policy: policy, now: time.Now}
	for _, cmd := range policy.ProhibitedCommands {
		v.prohibited = append(v.prohibited, commandPattern(cmd))
	}
	limit := rate.Inf
	burst := 1
	if policy.MaxOperationsPerMinute > 0 {
		limit = rate.Limit(float64(policy.MaxOperationsPerMinute) / rateWindow.Seconds())
		burst = policy.MaxOperationsPerMinute
	}
	v.limiter = rate.NewLimiter(limit, burst)
	return v
}

// commandPattern matches cmd case-insensitively where it starts a word, and ends
// a word when cmd itself ends in a word character. "format" therefore matches
// "format c:" but not "information", while "rm -rf /" matches "rm -rf /etc".
func commandPattern(cmd string) *regexp.Regexp {
	expr := `(?i)(^|[^\pL\pN_])` + regexp.QuoteMeta(cmd)
	if r := []rune(cmd); len(r) > 0 && (unicode.IsLetter(r[len(r)-1]) || unicode.IsDigit(r[len(r)-1])) {
		expr += `($|[^\pL\pN_])`
	}
	return regexp.MustCompile(expr)
}

// ValidateOperation checks an operation described by text, the tool that will
// run it, and its inputs.
func (v *OperationValidator) ValidateOperation(operation, tool string, inputs map[string]any) []schemas.Violation {
	now := v.now()
	var out []schemas.Violation

	for i, re := range v.prohibited {
		if re.MatchString(operation) {
			out = append(out, newViolation(schemas.ViolationUnsafeOperation, schemas.SeverityCritical,
				"Prohibited operation detected: "+v.policy.ProhibitedCommands[i],
				map[string]any{"operation": operation, "tool": tool}, now))
		}
	}

	walkStrings("", inputs, func(key, value string) {
		if p := v.protectedPathIn(value); p != "" {
			out = append(out, newViolation(schemas.ViolationPermissionDenied, schemas.SeverityError,
				"Access to protected path denied: "+p,
				map[string]any{"path": value, "input_key": key}, now))
		}
	})

	allowed := v.limiter.AllowN(now, 1)
	v.mu.Lock()
	v.ops = append(pruneBefore(v.ops, now.Add(-rateWindow)), now)
	count := len(v.ops)
	v.mu.Unlock()

	switch {
	case !allowed:
		out = append(out, newViolation(schemas.ViolationRateLimit, schemas.SeverityWarning,
			"Operation rate limit exceeded",
			map[string]any{"operations_per_minute": count, "tool": tool}, now))
	case v.policy.MaxOperationsPerMinute > 0 && float64(count) > float64(v.policy.MaxOperationsPerMinute)*rateWarnRatio:
		out = append(out, newViolation(schemas.ViolationRateLimit, schemas.SeverityWarning,
			"Operation rate limit approaching",
			map[string]any{"operations_per_minute": count, "tool": tool}, now))
	}
	return out
}

// protectedPathIn returns the protected path touched by any whitespace
// separated token of s, or "".
func (v *OperationValidator) protectedPathIn(s string) string {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `"'`)
		for _, p := range v.policy.ProtectedPaths {
			if underPath(tok, p) {
				return p
			}
		}
	}
	return ""
}

// underPath reports whether tok is p or lies below it. Windows paths compare
// case-insensitively.
func underPath(tok, p string) bool {
	if strings.Contains(p, `\`) {
		tok, p = strings.ToLower(tok), strings.ToLower(p)
	}
	if !strings.HasPrefix(tok, p) {
		return false
	}
	rest := tok[len(p):]
	return rest == "" || rest[0] == '/' || rest[0] == '\\' || strings.HasSuffix(p, "/") || strings.HasSuffix(p, `\`)
}

// walkStrings calls fn for every string reachable from v, keyed by a dotted path.
func walkStrings(key string, v any, fn func(key, value string)) {
	switch t := v.(type) {
	case string:
		fn(key, t)
	case map[string]any:
		for k, child := range t {
			if key != "" {
				k = key + "." + k
			}
			walkStrings(k, child, fn)
		}
	case []any:
		for i, child := range t {
			walkStrings(fmt.Sprintf("%s[%d]", key, i), child, fn)
		}
	case []string:
		for i, child := range t {
			fn(fmt.Sprintf("%s[%d]", key, i), child)
		}
	}
}

// ValidateConfidence returns a warning when conf is below the threshold for kind.
// Unknown kinds use the plan threshold.
func (v *OperationValidator) ValidateConfidence(conf float64, kind string) *schemas.Violation {
	min := v.policy.MinPlanConfidence
	if kind == ConfidenceTool {
		min = v.policy.MinToolConfidence
	}
	if conf >= min {
		return nil
	}
	viol := newViolation(schemas.ViolationConfidenceThreshold, schemas.SeverityWarning,
		fmt.Sprintf("Low confidence for %s: %.2f < %.2f", kind, conf, min),
		map[string]any{"confidence": conf, "threshold": min}, v.now())
	return &viol
}

// RecordFailure notes a failed operation for the failure-rate window.
func (v *OperationValidator) RecordFailure() {
	now := v.now()
	v.mu.Lock()
	v.failures = append(pruneBefore(v.failures, now.Add(-v.policy.FailureWindow)), now)
	v.mu.Unlock()
}

// CheckFailureRate returns an error when the failures inside the window exceed
// the configured maximum.
func (v *OperationValidator) CheckFailureRate() *schemas.Violation {
	now := v.now()
	v.mu.Lock()
	v.failures = pruneBefore(v.failures, now.Add(-v.policy.FailureWindow))
	count := len(v.failures)
	v.mu.Unlock()

	if v.policy.MaxFailuresPerWindow <= 0 || count <= v.policy.MaxFailuresPerWindow {
		return nil
	}
	viol := newViolation(schemas.ViolationRateLimit, schemas.SeverityError,
		fmt.Sprintf("High failure rate: %d failures in %s", count, v.policy.FailureWindow),
		map[string]any{"failure_count": count}, now)
	return &viol
}

// pruneBefore drops the leading timestamps not after cutoff. ts is chronological.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
