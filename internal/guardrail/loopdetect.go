package guardrail

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

const (
	minPatternLen = 2
	maxPatternLen = 5
)

// LoopDetector spots the same short sequence of step ids being executed over and
// over, which the DAG scheduler cannot see across replans.
type LoopDetector struct {
	window      int
	maxRepeated int

	mu      sync.Mutex
	history []string
}

// NewLoopDetector creates a detector. History is bounded to twice the window.
func NewLoopDetector(cfg config.LoopDetectionConfig) *LoopDetector {
	d := &LoopDetector{window: cfg.Window, maxRepeated: cfg.MaxRepeatedSteps}
	if d.window <= 0 {
		d.window = 10
	}
	if d.maxRepeated < 2 {
		d.maxRepeated = 3
	}
	return d
}

// Check records stepID and reports a loop when the trailing pattern of some
// length in 2..5 repeats back-to-back at least maxRepeated times.
func (d *LoopDetector) Check(stepID string) *schemas.Violation {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, stepID)
	if limit := 2 * d.window; len(d.history) > limit {
		d.history = append([]string(nil), d.history[len(d.history)-limit:]...)
	}

	h := d.history
	for l := minPatternLen; l <= maxPatternLen; l++ {
		if len(h) < l*d.maxRepeated {
			break
		}
		pattern := h[len(h)-l:]
		reps := 1
		for end := len(h) - l; end-l >= 0 && slices.Equal(h[end-l:end], pattern); end -= l {
			reps++
		}
		if reps >= d.maxRepeated {
			p := append([]string(nil), pattern...)
			v := newViolation(schemas.ViolationLoopDetected, schemas.SeverityError,
				"Execution loop detected: "+strings.Join(p, "->"),
				map[string]any{"pattern": p, "repetitions": reps}, time.Now())
			return &v
		}
	}
	return nil
}

// History returns a copy of the recorded step ids.
func (d *LoopDetector) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

// Reset clears the history.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	d.history = nil
	d.mu.Unlock()
}
