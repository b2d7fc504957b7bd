package guardrail

import (
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// cpuEscalation is the CPU percentage at which a CPU breach becomes an error.
const cpuEscalation = 90.0

// ResourceMonitor compares process usage against the configured limits. Memory
// is measured as growth over the baseline taken at construction or Reset.
type ResourceMonitor struct {
	limits  config.ResourceLimits
	sampler Sampler
	now     func() time.Time

	mu         sync.Mutex
	start      time.Time
	baselineMB float64
}

// NewResourceMonitor creates a monitor and takes the initial baseline.
func NewResourceMonitor(limits config.ResourceLimits, sampler Sampler) *ResourceMonitor {
	if sampler == nil {
		sampler = NewSampler()
	}
	m := &ResourceMonitor{limits: limits, sampler: sampler, now: time.Now}
	m.Reset()
	return m
}

// Reset rebases the start time and the memory baseline.
func (m *ResourceMonitor) Reset() {
	baseline := 0.0
	if u, err := m.sampler.Sample(); err == nil {
		baseline = u.MemoryMB
	}
	m.mu.Lock()
	m.start = m.now()
	m.baselineMB = baseline
	m.mu.Unlock()
}

// Elapsed is the wall-clock time since the last Reset.
func (m *ResourceMonitor) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.start)
}

// Usage returns a fresh sample.
func (m *ResourceMonitor) Usage() (Usage, error) {
	return m.sampler.Sample()
}

// Check samples usage and returns every limit breach.
func (m *ResourceMonitor) Check() []schemas.Violation {
	var out []schemas.Violation
	now := m.now()

	m.mu.Lock()
	baseline, start := m.baselineMB, m.start
	m.mu.Unlock()

	if u, err := m.sampler.Sample(); err == nil {
		delta := u.MemoryMB - baseline
		if m.limits.MaxMemoryMB > 0 && delta > m.limits.MaxMemoryMB {
			out = append(out, newViolation(schemas.ViolationResourceLimit, schemas.SeverityError,
				fmt.Sprintf("Memory usage exceeded: %.1fMB > %.0fMB", delta, m.limits.MaxMemoryMB),
				map[string]any{"memory_mb": delta}, now))
		}
		if m.limits.MaxCPUPercent > 0 && u.CPUPercent > m.limits.MaxCPUPercent {
			sev := schemas.SeverityWarning
			if u.CPUPercent >= cpuEscalation {
				sev = schemas.SeverityError
			}
			out = append(out, newViolation(schemas.ViolationResourceLimit, sev,
				fmt.Sprintf("CPU usage high: %.1f%%", u.CPUPercent),
				map[string]any{"cpu_percent": u.CPUPercent}, now))
		}
		if m.limits.MaxOpenFiles > 0 && u.OpenFiles > m.limits.MaxOpenFiles {
			out = append(out, newViolation(schemas.ViolationResourceLimit, schemas.SeverityWarning,
				fmt.Sprintf("Too many open files: %d", u.OpenFiles),
				map[string]any{"open_files": u.OpenFiles}, now))
		}
	}

	elapsed := now.Sub(start)
	if m.limits.MaxExecutionTime > 0 && elapsed > m.limits.MaxExecutionTime {
		out = append(out, newViolation(schemas.ViolationTimeLimit, schemas.SeverityCritical,
			fmt.Sprintf("Execution time exceeded: %.1fs > %.0fs", elapsed.Seconds(), m.limits.MaxExecutionTime.Seconds()),
			map[string]any{"elapsed_seconds": elapsed.Seconds()}, now))
	}
	return out
}

func newViolation(t schemas.ViolationType, sev schemas.Severity, msg string, ctx map[string]any, ts time.Time) schemas.Violation {
	return schemas.Violation{Type: t, Severity: sev, Message: msg, Timestamp: ts, Context: ctx}
}
