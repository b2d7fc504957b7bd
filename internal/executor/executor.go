// Package executor runs an execution plan as a dependency-driven scheduler:
// steps are dispatched as soon as their dependencies are satisfied, bounded by
// a concurrency gate, and their outcomes gate everything downstream.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/guardrail"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

// Guardrails is the part of guardrail.System the executor depends on.
type Guardrails interface {
	CheckAll(ctx context.Context, in guardrail.CheckInput) (bool, []schemas.Violation)
	ValidateOperation(operation, tool string, inputs map[string]any) (bool, []schemas.Violation)
	RecordFailure()
	HaltRequested() bool
}

// TimeoutAdapter scales the per-step timeout from execution history.
type TimeoutAdapter interface {
	AdaptTimeout(stepID string, base time.Duration) time.Duration
}

// Executor dispatches plan steps. It holds no per-run state and may run
// several plans concurrently.
type Executor struct {
	logger   *zap.Logger
	cfg      config.ExecutorConfig
	tools    schemas.ToolExecutor
	selector schemas.ToolSelector
	resolver schemas.QueryResolver
	chain    *toolchain.Chain
	guard    Guardrails
	adapter  TimeoutAdapter
	sink     schemas.TraceSink
	now      func() time.Time
}

// Option configures optional collaborators.
type Option func(*Executor)

// WithQueryResolver answers query steps. Without one, query steps succeed with
// a {"stub": true} output.
func WithQueryResolver(r schemas.QueryResolver) Option {
	return func(e *Executor) { e.resolver = r }
}

// WithChain enables tool-chain input mapping from upstream outputs.
func WithChain(c *toolchain.Chain) Option {
	return func(e *Executor) { e.chain = c }
}

// WithGuardrails screens operations and stops dispatch once a halt is requested.
func WithGuardrails(g Guardrails) Option {
	return func(e *Executor) { e.guard = g }
}

// WithTimeoutAdapter adapts per-step timeouts.
func WithTimeoutAdapter(a TimeoutAdapter) Option {
	return func(e *Executor) { e.adapter = a }
}

// WithTraceSink receives one record per finished step.
func WithTraceSink(s schemas.TraceSink) Option {
	return func(e *Executor) { e.sink = s }
}

// New creates an executor. Zero config values fall back to the defaults.
func New(cfg config.ExecutorConfig, tools schemas.ToolExecutor, selector schemas.ToolSelector, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.MinToolConfidence == 0 {
		cfg.MinToolConfidence = 0.3
	}
	e := &Executor{
		logger:   logger.Named("executor"),
		cfg:      cfg,
		tools:    tools,
		selector: selector,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runConfig struct {
	runID   string
	traceID string
	state   map[string]any
	prior   *ExecutionContext
}

// RunOption configures a single ExecutePlan call.
type RunOption func(*runConfig)

// WithRunID tags every step trace with the goal run id.
func WithRunID(id string) RunOption {
	return func(rc *runConfig) { rc.runID = id }
}

// WithTraceID overrides the generated trace id.
func WithTraceID(id string) RunOption {
	return func(rc *runConfig) { rc.traceID = id }
}

// WithState seeds ExecutionContext.State.
func WithState(state map[string]any) RunOption {
	return func(rc *runConfig) { rc.state = state }
}

// Resume continues a previous ExecutePlan call of the same plan: recorded
// results are kept and only steps without a result are dispatched. The prior
// context is taken over and must not be used concurrently. A context for a
// different plan is ignored.
func Resume(prev *ExecutionContext) RunOption {
	return func(rc *runConfig) { rc.prior = prev }
}

// ExecutePlan runs the plan until nothing more can be dispatched: the stop step
// has run, the remaining steps are dead, or the guardrails requested a halt.
// On cancellation every in-flight step is cancelled and awaited, and the partial
// context is returned together with ctx.Err().
func (e *Executor) ExecutePlan(ctx context.Context, plan *schemas.ExecutionPlan, opts ...RunOption) (*ExecutionContext, error) {
	if plan == nil {
		return nil, errors.New("nil plan")
	}
	rc := runConfig{}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.traceID == "" {
		rc.traceID = uuid.NewString()
	}
	var ec *ExecutionContext
	if rc.prior != nil && rc.prior.Plan != nil && rc.prior.Plan.PlanID == plan.PlanID {
		ec = rc.prior
	} else {
		ec = newExecutionContext(plan, rc.traceID, rc.runID, rc.state)
	}
	logger := e.logger.With(zap.String("plan_id", plan.PlanID), zap.String("trace_id", ec.TraceID))
	logger.Info("Executing plan.", zap.Int("steps", len(plan.Steps)), zap.Int("max_parallel", e.cfg.MaxParallel))

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := semaphore.NewWeighted(int64(e.cfg.MaxParallel))
	// Each step produces exactly one result, so senders never block.
	results := make(chan schemas.StepResult, len(plan.Steps))
	inflight := make(map[string]bool)
	var wg sync.WaitGroup

	for {
		if err := ctx.Err(); err != nil {
			cancel()
			wg.Wait()
			close(results)
			for res := range results {
				ec.record(res)
			}
			logger.Warn("Plan execution cancelled.", zap.Int("completed", len(ec.Results)), zap.Error(err))
			return ec, err
		}

		if e.guard == nil || !e.guard.HaltRequested() {
			for _, step := range ec.ExecutableSteps() {
				if inflight[step.StepID] {
					continue
				}
				if !gate.TryAcquire(1) {
					break
				}
				inflight[step.StepID] = true
				job := stepJob{
					step:     step,
					snapshot: ec.Snapshot(),
					upstream: ec.upstream(step),
					traceID:  ec.TraceID,
					runID:    ec.RunID,
					planID:   plan.PlanID,
				}
				if _, last, ok := ec.LastOutput(); ok {
					job.last = last
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					res := e.runStep(stepCtx, job)
					gate.Release(1)
					results <- res
				}()
			}
		} else if len(inflight) == 0 {
			logger.Warn("Guardrail halt requested, dispatch stopped.")
		}

		if len(inflight) == 0 {
			break
		}

		select {
		case res := <-results:
			delete(inflight, res.StepID)
			e.merge(ctx, ec, res, logger)
		case <-ctx.Done():
		}
	}

	logger.Info("Plan execution finished.",
		zap.Bool("complete", ec.IsPlanComplete()),
		zap.Bool("stuck", ec.IsPlanStuck()),
		zap.Int("results", len(ec.Results)))
	return ec, nil
}

// merge folds a finished step into the context. It runs on the scheduler
// goroutine only.
func (e *Executor) merge(ctx context.Context, ec *ExecutionContext, res schemas.StepResult, logger *zap.Logger) {
	ec.record(res)

	fields := []zap.Field{
		zap.String("step_id", res.StepID),
		zap.String("status", string(res.Status)),
		zap.Int64("duration_ms", res.DurationMS),
	}
	if res.ToolUsed != "" {
		fields = append(fields, zap.String("tool", res.ToolUsed))
	}
	if res.Status.IsFailure() {
		logger.Warn("Step did not succeed.", append(fields, zap.String("error", res.Error))...)
	} else {
		logger.Debug("Step finished.", fields...)
	}

	if met, ok := res.Output["condition_met"].(bool); ok && !met && res.Status == schemas.StatusSuccess {
		e.skipDependents(ec, res)
	}

	if e.guard != nil {
		if res.Status.IsFailure() {
			e.guard.RecordFailure()
		}
		kind := ""
		if res.Confidence != nil {
			kind = guardrail.ConfidenceTool
		}
		if ok, _ := e.guard.CheckAll(ctx, guardrail.CheckInput{
			StepID:         res.StepID,
			Confidence:     res.Confidence,
			ConfidenceKind: kind,
		}); !ok {
			logger.Warn("Guardrails requested a halt.", zap.String("after_step", res.StepID))
		}
	}
}

// skipDependents records direct non-stop dependents of an unmet condition as skipped.
func (e *Executor) skipDependents(ec *ExecutionContext, cond schemas.StepResult) {
	now := e.now()
	for _, s := range ec.Plan.Steps {
		if s.ActionType == schemas.ActionStop || !s.DependsOn(cond.StepID) {
			continue
		}
		if _, done := ec.Results[s.StepID]; done {
			continue
		}
		res := schemas.StepResult{
			StepID:     s.StepID,
			Status:     schemas.StatusSkipped,
			Error:      "condition not met",
			Code:       schemas.CodeConditionNotMet,
			StartTime:  now,
			EndTime:    now,
			RetryCount: s.Attempt,
		}
		ec.record(res)
		e.trace(stepJob{step: s, traceID: ec.TraceID, runID: ec.RunID, planID: ec.Plan.PlanID}, res)
	}
}

func (e *Executor) trace(job stepJob, res schemas.StepResult) {
	if e.sink == nil {
		return
	}
	var from []string
	for _, u := range job.upstream {
		from = append(from, u.StepID)
	}
	e.sink.RecordStep(schemas.StepTrace{
		TraceID:     job.traceID,
		RunID:       job.runID,
		PlanID:      job.planID,
		StepID:      res.StepID,
		ActionType:  job.step.ActionType,
		Description: job.step.Description,
		ToolUsed:    res.ToolUsed,
		Confidence:  res.Confidence,
		Status:      res.Status,
		DurationMS:  res.DurationMS,
		Error:       res.Error,
		Code:        res.Code,
		InputsFrom:  from,
		Timestamp:   res.EndTime,
	})
}
