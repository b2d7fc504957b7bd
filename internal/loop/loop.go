// Package loop drives a goal to completion as a state machine: plan, execute,
// observe, decide, and either terminate or go round again with a refined plan.
// It owns replanning, adaptation and reward shaping; the planner, executor and
// guardrails do the actual work.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/bus"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/executor"
	"github.com/xkilldash9x/sentient-cli/internal/guardrail"
	"github.com/xkilldash9x/sentient-cli/internal/planner"
)

// ErrLoopPanic wraps a panic recovered from the state machine.
var ErrLoopPanic = errors.New("control loop panicked")

// Config gathers the sections the loop builds its per-run machinery from.
type Config struct {
	Loop       config.LoopConfig
	Executor   config.ExecutorConfig
	Guardrails config.GuardrailsConfig
}

// ConfigFrom extracts the loop's sections from the application config.
func ConfigFrom(cfg config.Interface) Config {
	return Config{Loop: cfg.Loop(), Executor: cfg.Executor(), Guardrails: cfg.Guardrails()}
}

// StateChange is the payload of bus.TypeStateChanged.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Loop runs goals. It keeps no per-run state, so RunGoal may be called
// concurrently; every run gets its own guardrail system and executor.
type Loop struct {
	cfg      Config
	planner  *planner.Planner
	tools    schemas.ToolExecutor
	selector schemas.ToolSelector
	logger   *zap.Logger

	bus      *bus.EventBus
	sink     schemas.TraceSink
	adapt    *AdaptationEngine
	sampler  guardrail.Sampler
	execOpts []executor.Option
	observer *ObservationEngine
	decider  *DecisionEngine
	now      func() time.Time
}

// Option configures optional collaborators.
type Option func(*Loop)

// WithEventBus announces progress on b.
func WithEventBus(b *bus.EventBus) Option {
	return func(l *Loop) { l.bus = b }
}

// WithTraceSink records every step and the aggregate of every run.
func WithTraceSink(s schemas.TraceSink) Option {
	return func(l *Loop) { l.sink = s }
}

// WithAdaptation shares an adaptation engine, typically one that also feeds
// the router's tool confidence.
func WithAdaptation(a *AdaptationEngine) Option {
	return func(l *Loop) { l.adapt = a }
}

// WithSampler overrides the resource sampler of the per-run guardrails.
func WithSampler(s guardrail.Sampler) Option {
	return func(l *Loop) { l.sampler = s }
}

// WithExecutorOptions passes extra options to every per-run executor.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(l *Loop) { l.execOpts = append(l.execOpts, opts...) }
}

// New creates a loop.
func New(cfg Config, p *planner.Planner, tools schemas.ToolExecutor, selector schemas.ToolSelector, logger *zap.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		cfg:      cfg,
		planner:  p,
		tools:    tools,
		selector: selector,
		logger:   logger.Named("loop"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.adapt == nil {
		l.adapt = NewAdaptationEngine(nil, logger)
	}
	l.observer = NewObservationEngine(cfg.Loop.BottleneckThreshold, cfg.Loop.AllowDroppedSteps)
	l.decider = NewDecisionEngine(cfg.Loop, l.logger)
	return l
}

// Adaptation exposes the engine so callers can wire it into a router.
func (l *Loop) Adaptation() *AdaptationEngine { return l.adapt }

// run is the state of one RunGoal call.
type run struct {
	l       *Loop
	ctx     context.Context
	logger  *zap.Logger
	res     *RunResult
	initial map[string]any
	state   State

	guard *guardrail.System
	exec  *executor.Executor

	plan       *schemas.ExecutionPlan
	ec         *executor.ExecutionContext
	resume     bool
	newResults int
	refine     planner.ExecutionState
	obs        Observation
	recent     []schemas.ExecutionStatus
}

// RunGoal drives goal to a terminal state. The returned result is never nil.
// The error is non-nil when ctx was cancelled or the state machine panicked;
// business outcomes are reported through RunResult.Status.
func (l *Loop) RunGoal(ctx context.Context, goal string, initial map[string]any) (res *RunResult, err error) {
	r := l.newRun(ctx, goal, initial)
	r.logger.Info("Starting goal run.", zap.String("goal", goal))
	l.publish(r.res.RunID, bus.TypeRunStarted, map[string]any{"goal": goal})

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic recovered in control loop.", zap.Any("panic_value", p), zap.Stack("stack"))
			r.res.Error = fmt.Sprint(p)
			r.terminate(StateError, ReasonPanic)
			err = fmt.Errorf("%w: %v", ErrLoopPanic, p)
		}
		l.finish(r)
		res = r.res
	}()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if limit := l.cfg.Loop.MaxDuration; limit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limit)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	for !r.state.IsTerminal() {
		if ctx.Err() != nil {
			r.terminate(StateHalted, ReasonCancelled)
			break
		}
		switch r.state {
		case StatePlanning:
			r.planning(runCtx)
		case StateExecuting:
			r.executing(runCtx)
		case StateObserving:
			r.observing()
		case StateDeciding:
			r.deciding(runCtx)
		}
	}
	if r.res.Reason == ReasonCancelled {
		err = ctx.Err()
	}
	return r.res, err
}

func (l *Loop) newRun(ctx context.Context, goal string, initial map[string]any) *run {
	runID := uuid.NewString()
	logger := l.logger.With(zap.String("run_id", runID))
	r := &run{
		l:       l,
		ctx:     ctx,
		logger:  logger,
		initial: initial,
		state:   StatePlanning,
		res: &RunResult{
			RunID:   runID,
			Goal:    goal,
			Status:  StatePlanning,
			Metrics: schemas.LoopMetrics{StartTime: l.now()},
		},
	}

	r.guard = guardrail.New(l.cfg.Guardrails, l.sampler, logger)
	r.guard.RegisterObserver(func(v schemas.Violation) {
		l.publish(runID, bus.TypeViolation, v)
	})

	opts := append([]executor.Option(nil), l.execOpts...)
	opts = append(opts, executor.WithGuardrails(r.guard))
	if l.sink != nil {
		opts = append(opts, executor.WithTraceSink(l.sink))
	}
	if l.cfg.Loop.AdaptiveTimeout {
		opts = append(opts, executor.WithTimeoutAdapter(l.adapt))
	}
	r.exec = executor.New(l.cfg.Executor, l.tools, l.selector, logger, opts...)
	return r
}

func (r *run) planning(ctx context.Context) {
	var (
		plan *schemas.ExecutionPlan
		err  error
	)
	if r.plan == nil {
		plan, err = r.l.planner.PlanGoal(ctx, r.res.Goal, r.initial)
	} else {
		if r.res.Metrics.ReplanningCount >= r.l.cfg.Loop.MaxReplanning {
			r.terminate(StateHalted, ReasonReplanExhausted)
			return
		}
		r.res.Metrics.ReplanningCount++
		plan, err = r.l.planner.RefinePlan(r.plan, r.refine)
	}
	if err != nil {
		switch {
		case r.ctx.Err() != nil:
			r.terminate(StateHalted, ReasonCancelled)
			return
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			r.terminate(StateHalted, ReasonMaxDuration)
			return
		}
		r.logger.Error("Planning failed.", zap.Error(err))
		r.res.Error = err.Error()
		r.terminate(StateFailed, ReasonPlanningFailed)
		return
	}

	r.plan, r.ec, r.resume = plan, nil, false
	r.res.Plans = append(r.res.Plans, plan)
	conf := planner.PlanConfidence(plan)
	r.res.PlanConfidence = conf
	r.guard.ValidateConfidence(conf, guardrail.ConfidencePlan)

	r.logger.Info("Plan ready.",
		zap.String("plan_id", plan.PlanID),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("replanning_count", r.res.Metrics.ReplanningCount))
	r.l.publish(r.res.RunID, bus.TypePlan, plan)
	r.transition(StateExecuting)
}

func (r *run) executing(ctx context.Context) {
	opts := []executor.RunOption{executor.WithRunID(r.res.RunID), executor.WithState(r.initial)}
	prior := 0
	if r.resume && r.ec != nil {
		opts = append(opts, executor.Resume(r.ec))
		prior = len(r.ec.OrderedResults())
	}
	r.resume = false

	ec, err := r.exec.ExecutePlan(ctx, r.plan, opts...)
	if ec != nil {
		r.ec = ec
		fresh := ec.OrderedResults()[prior:]
		r.newResults = len(fresh)
		r.account(fresh)
	}
	if err != nil {
		switch {
		case r.ctx.Err() != nil:
			r.terminate(StateHalted, ReasonCancelled)
			return
		case errors.Is(err, context.DeadlineExceeded) && ec != nil:
			// The duration limit is enforced by the decision that follows.
		default:
			r.res.Error = err.Error()
			r.terminate(StateError, err.Error())
			return
		}
	}
	r.transition(StateObserving)
}

// account folds freshly recorded results into the run metrics, the stuck
// window and the adaptation history.
func (r *run) account(fresh []schemas.StepResult) {
	m := &r.res.Metrics
	for _, res := range fresh {
		m.TotalSteps++
		switch res.Status {
		case schemas.StatusSuccess:
			m.SuccessfulSteps++
		case schemas.StatusFailed:
			m.FailedSteps++
		case schemas.StatusTimeout:
			m.TimeoutSteps++
		case schemas.StatusSkipped:
			m.SkippedSteps++
		}
		r.recent = append(r.recent, res.Status)
		r.l.adapt.RecordResult(r.ctx, res)

		step, _ := r.plan.Step(res.StepID)
		r.res.Steps = append(r.res.Steps, schemas.StepTrace{
			TraceID:     r.ec.TraceID,
			RunID:       r.res.RunID,
			PlanID:      r.plan.PlanID,
			StepID:      res.StepID,
			ActionType:  step.ActionType,
			Description: step.Description,
			ToolUsed:    res.ToolUsed,
			Confidence:  res.Confidence,
			Status:      res.Status,
			DurationMS:  res.DurationMS,
			Error:       res.Error,
			Code:        res.Code,
			InputsFrom:  step.Dependencies,
			Timestamp:   res.EndTime,
		})
	}
}

func (r *run) observing() {
	r.obs = r.l.observer.Observe(r.ec, r.newResults)
	r.res.Satisfaction = r.obs.Satisfaction
	r.logger.Debug("Observation.",
		zap.String("plan_id", r.obs.PlanID),
		zap.Int("completed", r.obs.CompletedSteps),
		zap.Int("failed", r.obs.Failed),
		zap.Int("timed_out", r.obs.TimedOut),
		zap.Bool("goal_satisfied", r.obs.GoalSatisfied))
	r.l.publish(r.res.RunID, bus.TypeObservation, r.obs)
	r.transition(StateDeciding)
}

func (r *run) deciding(ctx context.Context) {
	// Sample resources at least once per cycle.
	r.guard.CheckAll(ctx, guardrail.CheckInput{})

	dec := r.l.decider.Decide(DecisionInput{
		Observation:   r.obs,
		Metrics:       r.res.Metrics,
		Elapsed:       r.l.now().Sub(r.res.Metrics.StartTime),
		HaltRequested: r.guard.HaltRequested(),
		Recent:        r.recent,
	})
	r.res.Cycles = append(r.res.Cycles, Cycle{
		Index:       len(r.res.Cycles) + 1,
		PlanID:      r.plan.PlanID,
		Observation: r.obs,
		Decision:    dec,
		Timestamp:   r.l.now(),
	})
	r.logger.Info("Decision.", zap.String("action", string(dec.Action)), zap.String("reason", dec.Reason))
	r.l.publish(r.res.RunID, bus.TypeDecision, dec)

	switch dec.Action {
	case ActionSucceed:
		r.res.GoalAchieved = true
		r.terminate(StateSucceeded, dec.Reason)
	case ActionFail:
		r.terminate(StateFailed, dec.Reason)
	case ActionHalt:
		r.terminate(StateHalted, dec.Reason)
	case ActionReplan:
		r.refine = planner.ExecutionState{Results: r.ec.Results, Outputs: r.ec.Outputs, Reason: dec.Reason}
		r.transition(StatePlanning)
	case ActionBacktrack:
		r.refine = planner.ExecutionState{Results: r.ec.Results, Outputs: r.ec.Outputs, Backtrack: true}
		r.transition(StatePlanning)
	default:
		r.resume = true
		r.transition(StateExecuting)
	}
}

func (r *run) terminate(to State, reason string) {
	r.res.Reason = reason
	r.transition(to)
}

func (r *run) transition(to State) {
	if r.state == to {
		return
	}
	r.logger.Debug("Loop state changed.", zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.l.publish(r.res.RunID, bus.TypeStateChanged, StateChange{From: r.state, To: to})
	r.state = to
	r.res.Status = to
}

// finish closes the metrics, computes the reward and emits the run record.
func (l *Loop) finish(r *run) {
	res := r.res
	res.Metrics.EndTime = l.now()
	res.Violations = r.guard.Violations()
	res.Final = r.ec
	res.Reward = Reward(l.cfg.Loop.Rewards, res.Status, res.Metrics.TotalSteps,
		res.Metrics.ReplanningCount, len(res.Violations))

	if l.sink != nil {
		l.sink.RecordRun(res.Trace())
	}
	l.publish(res.RunID, bus.TypeRunFinished, map[string]any{
		"status": res.Status,
		"reason": res.Reason,
		"reward": res.Reward,
	})
	r.logger.Info("Goal run finished.",
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Float64("reward", res.Reward),
		zap.Int("total_steps", res.Metrics.TotalSteps),
		zap.Int("replanning_count", res.Metrics.ReplanningCount),
		zap.Int("violations", len(res.Violations)),
		zap.Duration("duration", res.Metrics.Duration()))
}

func (l *Loop) publish(runID string, t bus.EventType, payload any) {
	if l.bus != nil {
		l.bus.Publish(runID, t, payload)
	}
}
