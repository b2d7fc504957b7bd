package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

type fixedConfidence map[string]float64

func (f fixedConfidence) ToolConfidence(tool string) float64 {
	if c, ok := f[tool]; ok {
		return c
	}
	return 0.5
}

func TestSelectTool(t *testing.T) {
	r := New([]string{"memory_check", "memory_clean", "log_fetch", "disk_check", "cpu_monitor"}, zaptest.NewLogger(t))
	ctx := context.Background()

	tests := []struct {
		name string
		step schemas.PlanStep
		tool string
		conf float64
	}{
		{"hint wins", schemas.PlanStep{ToolHint: "log_fetch", Description: "clean memory"}, "log_fetch", HintConfidence},
		{"unknown hint falls back to keywords", schemas.PlanStep{ToolHint: "teleport", Description: "Clean up memory"}, "memory_clean", KeywordConfidence},
		{"specific keyword before generic", schemas.PlanStep{Description: "check disk space"}, "disk_check", KeywordConfidence},
		{"generic check", schemas.PlanStep{Description: "Check system state"}, "memory_check", KeywordConfidence},
		{"unregistered keyword tool skipped", schemas.PlanStep{Description: "send alert"}, schemas.UnknownTool, 0},
		{"nothing matches", schemas.PlanStep{Description: "write a poem"}, schemas.UnknownTool, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.SelectTool(ctx, tt.step, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.tool, got.Tool)
			assert.InDelta(t, tt.conf, got.Confidence, 1e-9)
		})
	}
}

func TestSelectTool_LearnedConfidence(t *testing.T) {
	r := New(nil, nil).WithConfidence(fixedConfidence{"memory_check": 0.0, "log_fetch": 1.0})
	ctx := context.Background()

	got, err := r.SelectTool(ctx, schemas.PlanStep{ToolHint: "memory_check"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.425, got.Confidence, 1e-9)

	got, err = r.SelectTool(ctx, schemas.PlanStep{ToolHint: "log_fetch"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)

	got, err = r.SelectTool(ctx, schemas.PlanStep{ToolHint: "cpu_monitor"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, HintConfidence, got.Confidence, 1e-9)
}

func TestSelectTool_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, nil).SelectTool(ctx, schemas.PlanStep{ToolHint: "x"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
