package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionType(t *testing.T) {
	for _, raw := range []string{"query", "execute", "condition", "loop", "parallel", "stop"} {
		at, err := ParseActionType(raw)
		require.NoError(t, err)
		assert.Equal(t, ActionType(raw), at)
	}

	_, err := ParseActionType("teleport")
	assert.Error(t, err)
}

func TestExecutionPlan_CloneIsDeep(t *testing.T) {
	plan := &ExecutionPlan{
		PlanID: "plan_1",
		Steps: []PlanStep{
			{StepID: "step_1", ActionType: ActionExecute, Inputs: map[string]any{"a": 1}},
			{StepID: "step_2", ActionType: ActionStop, Dependencies: []string{"step_1"}},
		},
		Metadata: map[string]any{"k": "v"},
	}

	clone := plan.Clone()
	clone.Steps[0].Inputs["a"] = 2
	clone.Steps[1].Dependencies[0] = "other"
	clone.Metadata["k"] = "changed"

	assert.Equal(t, 1, plan.Steps[0].Inputs["a"])
	assert.Equal(t, "step_1", plan.Steps[1].Dependencies[0])
	assert.Equal(t, "v", plan.Metadata["k"])
}

func TestExecutionPlan_Lookups(t *testing.T) {
	plan := &ExecutionPlan{Steps: []PlanStep{
		{StepID: "step_1", ActionType: ActionExecute, ToolHint: "memory_check"},
		{StepID: "step_2", ActionType: ActionCondition, Dependencies: []string{"step_1"}},
		{StepID: "step_3", ActionType: ActionExecute, ToolHint: "memory_clean", Dependencies: []string{"step_2"}},
		{StepID: "step_4", ActionType: ActionStop, Dependencies: []string{"step_3"}},
	}}

	stop, ok := plan.StopStep()
	require.True(t, ok)
	assert.Equal(t, "step_4", stop.StepID)

	_, ok = plan.Step("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"memory_check", "memory_clean"}, plan.ToolSequence())
	assert.True(t, plan.Steps[2].DependsOn("step_2"))
}

func TestStatusHelpers(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusTimeout.IsTerminal())
	assert.True(t, StatusTimeout.IsFailure())
	assert.False(t, StatusSkipped.IsFailure())
	assert.True(t, StatusSkipped.SatisfiesDependency())
	assert.False(t, StatusFailed.SatisfiesDependency())
}

func TestViolation_ShouldHalt(t *testing.T) {
	assert.False(t, Violation{Severity: SeverityWarning}.ShouldHalt())
	assert.True(t, Violation{Severity: SeverityError}.ShouldHalt())
	assert.True(t, Violation{Severity: SeverityCritical}.ShouldHalt())
}

func TestLoopMetrics_SuccessRate(t *testing.T) {
	assert.Zero(t, LoopMetrics{}.SuccessRate())
	assert.InDelta(t, 0.75, LoopMetrics{TotalSteps: 4, SuccessfulSteps: 3}.SuccessRate(), 1e-9)
}
