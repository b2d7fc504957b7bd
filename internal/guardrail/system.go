// Package guardrail implements the safety checks consulted by the executor and the
// loop. Guardrails never stop anything themselves: error and critical violations
// set a sticky halt flag that the loop honours.
package guardrail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// recentViolations is how many violations Status reports.
const recentViolations = 10

// Observer is notified of every violation as it is recorded.
type Observer func(schemas.Violation)

// CheckInput is the per-call context of CheckAll. Empty fields skip their check.
type CheckInput struct {
	StepID         string
	Confidence     *float64
	ConfidenceKind string
}

// Status is a snapshot of the guardrail state.
type Status struct {
	HaltRequested    bool                `json:"halt_requested"`
	TotalViolations  int                 `json:"total_violations"`
	RecentViolations []schemas.Violation `json:"recent_violations"`
	Usage            Usage               `json:"resource_usage"`
}

// System composes the resource monitor, the operation validator and the loop
// detector. One System belongs to one run; build separate instances for
// isolation.
type System struct {
	cfg       config.GuardrailsConfig
	monitor   *ResourceMonitor
	validator *OperationValidator
	detector  *LoopDetector
	logger    *zap.Logger

	mu         sync.RWMutex
	violations []schemas.Violation
	halt       bool
	observers  []Observer
}

// New builds a System. A nil sampler selects the platform sampler.
func New(cfg config.GuardrailsConfig, sampler Sampler, logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{
		cfg:       cfg,
		monitor:   NewResourceMonitor(cfg.Resources, sampler),
		validator: NewOperationValidator(cfg.Safety),
		detector:  NewLoopDetector(cfg.LoopDetection),
		logger:    logger.Named("guardrail"),
	}
}

// RegisterObserver adds a violation callback. Panics in callbacks are recovered.
func (s *System) RegisterObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// CheckAll runs every applicable check and reports whether execution may continue.
func (s *System) CheckAll(ctx context.Context, in CheckInput) (bool, []schemas.Violation) {
	var found []schemas.Violation

	if s.cfg.Resources.Enabled {
		found = append(found, s.monitor.Check()...)
	}
	if in.StepID != "" {
		if v := s.detector.Check(in.StepID); v != nil {
			found = append(found, *v)
		}
	}
	if in.Confidence != nil {
		kind := in.ConfidenceKind
		if kind == "" {
			kind = "unknown"
		}
		if v := s.validator.ValidateConfidence(*in.Confidence, kind); v != nil {
			found = append(found, *v)
		}
	}
	if v := s.validator.CheckFailureRate(); v != nil {
		found = append(found, *v)
	}

	s.record(found)
	return !s.HaltRequested(), found
}

// ValidateOperation screens an operation before it runs. It returns false when
// any violation requires a halt; warnings are recorded but do not block.
func (s *System) ValidateOperation(operation, tool string, inputs map[string]any) (bool, []schemas.Violation) {
	found := s.validator.ValidateOperation(operation, tool, inputs)
	s.record(found)
	for _, v := range found {
		if v.ShouldHalt() {
			return false, found
		}
	}
	return true, found
}

// ValidateConfidence records a warning when a tool or plan confidence is too low.
func (s *System) ValidateConfidence(conf float64, kind string) *schemas.Violation {
	v := s.validator.ValidateConfidence(conf, kind)
	if v != nil {
		s.record([]schemas.Violation{*v})
	}
	return v
}

// RecordFailure feeds the failure-rate window.
func (s *System) RecordFailure() {
	s.validator.RecordFailure()
}

func (s *System) record(found []schemas.Violation) {
	if len(found) == 0 {
		return
	}
	s.mu.Lock()
	s.violations = append(s.violations, found...)
	for _, v := range found {
		if v.ShouldHalt() {
			s.halt = true
		}
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, v := range found {
		s.logger.Warn("Guardrail violation",
			zap.String("type", string(v.Type)),
			zap.String("severity", string(v.Severity)),
			zap.String("message", v.Message))
		for _, fn := range observers {
			s.notify(fn, v)
		}
	}
}

func (s *System) notify(fn Observer, v schemas.Violation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Violation observer panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(v)
}

// HaltRequested reports the sticky halt flag.
func (s *System) HaltRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halt
}

// Violations returns a copy of the violation history.
func (s *System) Violations() []schemas.Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]schemas.Violation(nil), s.violations...)
}

// Status reports the halt flag, the most recent violations and current usage.
func (s *System) Status() Status {
	s.mu.RLock()
	st := Status{HaltRequested: s.halt, TotalViolations: len(s.violations)}
	start := len(s.violations) - recentViolations
	if start < 0 {
		start = 0
	}
	st.RecentViolations = append([]schemas.Violation(nil), s.violations[start:]...)
	s.mu.RUnlock()

	if u, err := s.monitor.Usage(); err == nil {
		st.Usage = u
	}
	return st
}

// Reset clears the history and the halt flag and rebases the resource monitor
// and the loop detector. Observers stay registered.
func (s *System) Reset() {
	s.mu.Lock()
	s.violations = nil
	s.halt = false
	s.mu.Unlock()
	s.monitor.Reset()
	s.detector.Reset()
}

// Elapsed is the time since construction or the last Reset.
func (s *System) Elapsed() time.Duration {
	return s.monitor.Elapsed()
}
