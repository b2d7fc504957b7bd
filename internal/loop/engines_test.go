package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/executor"
	"github.com/xkilldash9x/sentient-cli/internal/planner"
)

func defaultLoopConfig() config.LoopConfig {
	return config.NewDefaultConfig().Loop()
}

func TestDecisionEngine_Priority(t *testing.T) {
	statuses := func(ss ...schemas.ExecutionStatus) []schemas.ExecutionStatus { return ss }
	failed, timeout, success := schemas.StatusFailed, schemas.StatusTimeout, schemas.StatusSuccess

	tests := []struct {
		name   string
		mutate func(*config.LoopConfig)
		in     DecisionInput
		action Action
		reason string
	}{
		{
			name: "step budget beats success",
			in: DecisionInput{
				Observation: Observation{GoalSatisfied: true, PlanComplete: true, NewResults: 2},
				Metrics:     schemas.LoopMetrics{TotalSteps: 100},
			},
			action: ActionHalt, reason: ReasonMaxSteps,
		},
		{
			name:   "duration",
			in:     DecisionInput{Observation: Observation{GoalSatisfied: true}, Elapsed: 301 * time.Second},
			action: ActionHalt, reason: ReasonMaxDuration,
		},
		{
			name:   "guardrail halt",
			in:     DecisionInput{Observation: Observation{GoalSatisfied: true}, HaltRequested: true},
			action: ActionHalt, reason: ReasonGuardrailHalt,
		},
		{
			name:   "goal satisfied",
			in:     DecisionInput{Observation: Observation{GoalSatisfied: true, PlanComplete: true, NewResults: 1}},
			action: ActionSucceed, reason: ReasonGoalSatisfied,
		},
		{
			name:   "complete plan without the dropped work",
			in:     DecisionInput{Observation: Observation{PlanComplete: true, NewResults: 1, DroppedSteps: []string{"step_1"}}},
			action: ActionFail, reason: ReasonDroppedWork,
		},
		{
			name: "high failure rate replans",
			in: DecisionInput{
				Observation: Observation{Attempted: 2, Failed: 2, NewResults: 2, PlanStuck: true},
				Recent:      statuses(failed, failed),
			},
			action: ActionReplan, reason: ReasonHighFailureRate,
		},
		{
			name: "exhausted budget falls through to stuck",
			in: DecisionInput{
				Observation: Observation{Attempted: 2, Failed: 2, NewResults: 2, PlanStuck: true},
				Metrics:     schemas.LoopMetrics{ReplanningCount: 3},
			},
			action: ActionBacktrack, reason: ReasonPlanStuck,
		},
		{
			name: "a timeout weighs half a failure",
			in: DecisionInput{
				Observation: Observation{Attempted: 1, TimedOut: 1, NewResults: 1},
				Recent:      statuses(timeout),
			},
			action: ActionContinue, reason: ReasonProgressing,
		},
		{
			name:   "no new results",
			in:     DecisionInput{Observation: Observation{Attempted: 3, NewResults: 0}},
			action: ActionBacktrack, reason: ReasonNoProgress,
		},
		{
			name: "last five results failed",
			in: DecisionInput{
				Observation: Observation{Attempted: 10, Failed: 3, NewResults: 1},
				Recent:      statuses(success, success, failed, timeout, failed, failed, failed),
			},
			action: ActionBacktrack, reason: ReasonRepeatedFailure,
		},
		{
			name: "too few results to call it stuck",
			in: DecisionInput{
				Observation: Observation{Attempted: 5, Failed: 2, NewResults: 1},
				Recent:      statuses(failed, failed),
			},
			action: ActionContinue, reason: ReasonProgressing,
		},
		{
			name:   "stuck without backtracking halts",
			mutate: func(c *config.LoopConfig) { c.BacktrackOnFailure = false },
			in:     DecisionInput{Observation: Observation{NewResults: 1, PlanStuck: true}},
			action: ActionHalt, reason: ReasonPlanStuck,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultLoopConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			dec := NewDecisionEngine(cfg, zaptest.NewLogger(t)).Decide(tt.in)
			assert.Equal(t, tt.action, dec.Action)
			assert.Equal(t, tt.reason, dec.Reason)
		})
	}
}

func TestDecisionEngine_LogsLimits(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := defaultLoopConfig()
	cfg.MaxSteps = 1
	NewDecisionEngine(cfg, zap.New(core)).Decide(DecisionInput{Metrics: schemas.LoopMetrics{TotalSteps: 1}})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Exceeded max steps.", logs.All()[0].Message)
}

func TestReward(t *testing.T) {
	r := defaultLoopConfig().Rewards

	assert.InDelta(t, 1.0, Reward(r, StateSucceeded, 3, 0, 0), 1e-9)
	assert.InDelta(t, -0.5, Reward(r, StateFailed, 3, 0, 0), 1e-9)
	assert.InDelta(t, -0.5, Reward(r, StateError, 0, 0, 0), 1e-9)
	assert.InDelta(t, -0.3, Reward(r, StateHalted, 3, 0, 0), 1e-9)
	assert.InDelta(t, 0.9, Reward(r, StateSucceeded, 21, 0, 0), 1e-9, "excessive steps")
	assert.InDelta(t, 1.0, Reward(r, StateSucceeded, 20, 0, 0), 1e-9, "threshold is exclusive")
	assert.InDelta(t, 0.5, Reward(r, StateSucceeded, 3, 1, 2), 1e-9)
	assert.InDelta(t, -2.0, Reward(r, StateFailed, 50, 10, 10), 1e-9, "clipped below")

	generous := r
	generous.Success = 10
	assert.InDelta(t, 2.0, Reward(generous, StateSucceeded, 0, 0, 0), 1e-9, "clipped above")

	t.Run("bounded for every terminal outcome", func(t *testing.T) {
		for _, st := range []State{StateSucceeded, StateFailed, StateHalted, StateError} {
			for steps := 0; steps <= 60; steps += 7 {
				for replans := 0; replans <= 12; replans += 3 {
					for violations := 0; violations <= 25; violations += 5 {
						got := Reward(r, st, steps, replans, violations)
						require.GreaterOrEqual(t, got, -2.0)
						require.LessOrEqual(t, got, 2.0)
					}
				}
			}
		}
	})
}

type memoryStore struct {
	mu      sync.Mutex
	seed    []schemas.ExperienceRecord
	records []schemas.ExperienceRecord
	failOn  string
}

func (s *memoryStore) LoadExperience(context.Context, int) ([]schemas.ExperienceRecord, error) {
	return s.seed, nil
}

func (s *memoryStore) RecordExperience(_ context.Context, rec schemas.ExperienceRecord) error {
	if rec.Key == s.failOn {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func TestAdaptationEngine(t *testing.T) {
	ctx := context.Background()
	base := 10 * time.Second

	t.Run("defaults", func(t *testing.T) {
		a := NewAdaptationEngine(nil, zaptest.NewLogger(t))
		assert.Equal(t, 0.5, a.StepConfidence("step_1"))
		assert.Equal(t, 0.5, a.ToolConfidence("memory_check"))
		assert.Equal(t, base, a.AdaptTimeout("step_1", base))
	})

	t.Run("flaky steps get more time", func(t *testing.T) {
		a := NewAdaptationEngine(nil, zaptest.NewLogger(t))
		for range 3 {
			a.RecordResult(ctx, schemas.StepResult{StepID: "step_1", Status: schemas.StatusTimeout, ToolUsed: "cpu_monitor"})
		}
		assert.Equal(t, 0.0, a.StepConfidence("step_1"))
		assert.Equal(t, 0.0, a.ToolConfidence("cpu_monitor"))
		assert.Equal(t, 15*time.Second, a.AdaptTimeout("step_1", base))
	})

	t.Run("reliable steps fail fast and the window slides", func(t *testing.T) {
		a := NewAdaptationEngine(nil, zaptest.NewLogger(t))
		for range 5 {
			a.RecordResult(ctx, schemas.StepResult{StepID: "step_1", Status: schemas.StatusFailed})
		}
		for range historyWindow {
			a.RecordResult(ctx, schemas.StepResult{StepID: "step_1", Status: schemas.StatusSuccess})
		}
		assert.Equal(t, 1.0, a.StepConfidence("step_1"))
		assert.Equal(t, 8*time.Second, a.AdaptTimeout("step_1", base))
	})

	t.Run("slow successes are discounted", func(t *testing.T) {
		a := NewAdaptationEngine(nil, zaptest.NewLogger(t))
		a.RecordResult(ctx, schemas.StepResult{StepID: "step_1", Status: schemas.StatusSuccess, DurationMS: 11_000})
		assert.InDelta(t, 0.8, a.StepConfidence("step_1"), 1e-9)
		assert.Equal(t, base, a.AdaptTimeout("step_1", base), "0.8 is not above the high-confidence bound")
	})

	t.Run("skipped and unknown tools carry no signal", func(t *testing.T) {
		a := NewAdaptationEngine(nil, zaptest.NewLogger(t))
		a.RecordResult(ctx, schemas.StepResult{StepID: "step_1", Status: schemas.StatusSkipped})
		a.RecordResult(ctx, schemas.StepResult{StepID: "step_2", Status: schemas.StatusFailed, ToolUsed: schemas.UnknownTool})
		assert.Equal(t, 0.5, a.StepConfidence("step_1"))
		assert.Equal(t, 0.5, a.ToolConfidence(schemas.UnknownTool))
		assert.Equal(t, 0.0, a.StepConfidence("step_2"))
	})

	t.Run("store round trip", func(t *testing.T) {
		store := &memoryStore{
			seed:   []schemas.ExperienceRecord{{Kind: schemas.ExperienceTool, Key: "disk_check", Score: 0}},
			failOn: "log_fetch",
		}
		core, logs := observer.New(zapcore.WarnLevel)
		a := NewAdaptationEngine(store, zap.New(core))
		require.NoError(t, a.Warm(ctx))
		assert.Equal(t, 0.0, a.ToolConfidence("disk_check"))

		a.RecordResult(ctx, schemas.StepResult{StepID: "step_1", Status: schemas.StatusSuccess, ToolUsed: "memory_check"})
		require.Len(t, store.records, 2)
		assert.Equal(t, schemas.ExperienceStep, store.records[0].Kind)
		assert.Equal(t, "memory_check", store.records[1].Key)
		assert.False(t, store.records[1].Timestamp.IsZero())

		a.RecordResult(ctx, schemas.StepResult{StepID: "step_2", Status: schemas.StatusSuccess, ToolUsed: "log_fetch"})
		assert.Equal(t, 1, logs.FilterMessage("Failed to persist experience.").Len())
		assert.Equal(t, 1.0, a.ToolConfidence("log_fetch"), "the in-memory history survives store errors")
	})
}

func TestObservationEngine(t *testing.T) {
	tools := toolFunc(func(ctx context.Context, name string, _ map[string]any) (map[string]any, error) {
		switch name {
		case "slow":
			time.Sleep(30 * time.Millisecond)
			return map[string]any{}, nil
		case "broken":
			return nil, errors.New("broken pipe")
		case "hang":
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil
	})
	e := executor.New(config.ExecutorConfig{MaxParallel: 3, StepTimeout: 150 * time.Millisecond},
		tools, hintSelector(0.9), zaptest.NewLogger(t))

	plan := &schemas.ExecutionPlan{PlanID: "plan_obs", Steps: []schemas.PlanStep{
		execStep("step_1", "slow"),
		execStep("step_2", "broken"),
		execStep("step_3", "hang"),
		stopStep("step_4", "step_1", "step_2", "step_3"),
	}}
	ec, err := e.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)

	obs := NewObservationEngine(20*time.Millisecond, false).Observe(ec, 3)
	assert.Equal(t, 4, obs.TotalSteps)
	assert.Equal(t, 3, obs.Attempted)
	assert.Equal(t, 1, obs.CompletedSteps)
	assert.Equal(t, 1, obs.Failed)
	assert.Equal(t, 1, obs.TimedOut)
	assert.InDelta(t, 0.5, obs.FailureRate(0.5), 1e-9)
	assert.InDelta(t, 2.0/3.0, obs.FailureRate(1), 1e-9)
	assert.Equal(t, "broken pipe", obs.Failures["step_2"].Error)
	assert.Equal(t, schemas.CodeTimeout, obs.Failures["step_3"].Code)
	assert.True(t, obs.PlanStuck)
	assert.False(t, obs.GoalSatisfied)
	assert.InDelta(t, 0.25, obs.Satisfaction, 1e-9)
	assert.Equal(t, []string{recommendFailures, recommendTimeouts, recommendBottlenecks}, obs.Recommendations)
	require.Len(t, obs.Bottlenecks, 2)
	assert.Equal(t, "step_3", obs.Bottlenecks[0].StepID, "slowest first")
	assert.Equal(t, "step_1", obs.Bottlenecks[1].StepID)

	t.Run("dropped work", func(t *testing.T) {
		done := &schemas.ExecutionPlan{PlanID: "plan_done", Steps: []schemas.PlanStep{stopStep("step_4")},
			Metadata: map[string]any{planner.MetaDroppedSteps: []string{"step_1", "step_2", "step_3"}}}
		ec, err := e.ExecutePlan(context.Background(), done)
		require.NoError(t, err)

		strict := NewObservationEngine(0, false).Observe(ec, 1)
		assert.True(t, strict.PlanComplete)
		assert.False(t, strict.GoalSatisfied)
		assert.InDelta(t, 0.25, strict.Satisfaction, 1e-9)

		lenient := NewObservationEngine(0, true).Observe(ec, 1)
		assert.True(t, lenient.GoalSatisfied)
	})
}
