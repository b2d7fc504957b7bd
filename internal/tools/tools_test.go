// internal/tools/tools_test.go
package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/mocks"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

type stubTool struct {
	sig toolchain.ToolSignature
	out map[string]any
	err error
	got map[string]any
}

func (s *stubTool) Signature() toolchain.ToolSignature { return s.sig }
func (s *stubTool) Execute(_ context.Context, in map[string]any) (map[string]any, error) {
	s.got = in
	return s.out, s.err
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(config.ToolsConfig{}, toolchain.NewChain(), zaptest.NewLogger(t))
}

func TestRegistry_ExecuteTool(t *testing.T) {
	sig := toolchain.ToolSignature{
		Name:    "echo",
		Inputs:  []toolchain.IOSchema{toolchain.Optional("word", toolchain.TypeString, "hi", "")},
		Outputs: []toolchain.IOSchema{toolchain.Field("said", toolchain.TypeString, "")},
	}

	t.Run("defaults applied and output validated", func(t *testing.T) {
		r := newTestRegistry(t)
		tool := &stubTool{sig: sig, out: map[string]any{"said": "hi"}}
		r.Register(tool)

		out, err := r.ExecuteTool(context.Background(), "echo", nil)
		require.NoError(t, err)
		assert.Equal(t, "hi", out["said"])
		assert.Equal(t, "hi", tool.got["word"])

		_, ok := r.Chain().Signature("echo")
		assert.True(t, ok, "registration must reach the chain")
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := newTestRegistry(t).ExecuteTool(context.Background(), "nope", nil)
		assert.True(t, errors.Is(err, ErrUnknownTool))
	})

	t.Run("invalid input never reaches the tool", func(t *testing.T) {
		r := newTestRegistry(t)
		tool := &stubTool{sig: sig, out: map[string]any{"said": "x"}}
		r.Register(tool)
		_, err := r.ExecuteTool(context.Background(), "echo", map[string]any{"word": 3})
		require.Error(t, err)
		assert.Nil(t, tool.got)
	})

	t.Run("tool error wrapped", func(t *testing.T) {
		r := newTestRegistry(t)
		r.Register(&stubTool{sig: sig, err: errors.New("boom")})
		_, err := r.ExecuteTool(context.Background(), "echo", nil)
		require.Error(t, err)
		assert.Equal(t, "echo: boom", err.Error())
	})

	t.Run("output contract violation", func(t *testing.T) {
		r := newTestRegistry(t)
		r.Register(&stubTool{sig: sig, out: map[string]any{}})
		_, err := r.ExecuteTool(context.Background(), "echo", nil)
		assert.ErrorContains(t, err, "said: required")
	})

	t.Run("rate limiter honours context", func(t *testing.T) {
		r := NewRegistry(config.ToolsConfig{RatePerSecond: 0.001, Burst: 1}, nil, nil)
		r.Register(&stubTool{sig: sig, out: map[string]any{"said": "x"}})
		_, err := r.ExecuteTool(context.Background(), "echo", nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = r.ExecuteTool(ctx, "echo", nil)
		assert.ErrorContains(t, err, "rate limit wait")
	})
}

func TestRegisterBuiltins(t *testing.T) {
	r := newTestRegistry(t)
	RegisterBuiltins(r, BuiltinOptions{})
	assert.Equal(t, []string{
		"alert_send", "cpu_monitor", "disk_check", "llm_summarize",
		"log_fetch", "log_filter", "memory_check", "memory_clean",
	}, r.Names())
	assert.Len(t, r.Signatures(), 8)
}

func TestMemoryCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte("MemTotal:       8192000 kB\nMemFree:  100 kB\nMemAvailable:   2048000 kB\n"), 0o600))

	out, err := (&MemoryCheck{MemInfoPath: path}).Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 8000.0, out["total_memory"])
	assert.Equal(t, 2000.0, out["free_memory"])
	assert.Equal(t, 75.0, out["usage_percent"])

	t.Run("fallback to runtime stats", func(t *testing.T) {
		out, err := (&MemoryCheck{MemInfoPath: filepath.Join(t.TempDir(), "missing")}).Execute(context.Background(), nil)
		require.NoError(t, err)
		assert.NoError(t, (&MemoryCheck{}).Signature().ValidateOutputs(out))
	})
}

func TestMemoryClean(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(&MemoryClean{})
	out, err := r.ExecuteTool(context.Background(), toolchain.ToolMemoryClean, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 80.0, out["threshold"])
}

func TestCPUMonitor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadavg")
	require.NoError(t, os.WriteFile(path, []byte("0.50 0.40 0.30 1/200 1234\n"), 0o600))

	out, err := (&CPUMonitor{LoadAvgPath: path}).Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, out["load_1m"])
	assert.Equal(t, runtime.NumCPU(), out["cores"])

	_, err = (&CPUMonitor{LoadAvgPath: filepath.Join(t.TempDir(), "missing")}).Execute(context.Background(), nil)
	assert.ErrorContains(t, err, "load average unavailable")
}

func TestDiskCheck(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("statfs is unix only")
	}
	r := newTestRegistry(t)
	r.Register(&DiskCheck{})
	out, err := r.ExecuteTool(context.Background(), toolchain.ToolDiskCheck, map[string]any{"path": t.TempDir()})
	require.NoError(t, err)
	assert.Greater(t, out["total_gb"].(float64), 0.0)
}

func TestLogFetchAndFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lines := []string{
		`{"level":"INFO","ts":"2026-03-01T11:00:00.000Z","msg":"started"}`,
		`{"level":"ERROR","ts":"2026-03-01T11:30:00.000Z","msg":"disk failure"}`,
		`{"level":"ERROR","ts":"2026-02-20T11:30:00.000Z","msg":"too old"}`,
		`plain text critical line`,
	}
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	r := newTestRegistry(t)
	r.Register(&LogFetch{Path: path, MaxEntries: 10, now: func() time.Time { return now }})
	r.Register(&LogFilter{})

	fetched, err := r.ExecuteTool(context.Background(), toolchain.ToolLogFetch, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fetched["count"], "entries older than 24h are dropped")

	filtered, err := r.ExecuteTool(context.Background(), toolchain.ToolLogFilter, map[string]any{
		"entries": fetched["log_entries"],
		"filter":  "error|critical",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, filtered["count"])

	t.Run("missing file yields no entries", func(t *testing.T) {
		out, err := (&LogFetch{Path: filepath.Join(t.TempDir(), "none")}).Execute(context.Background(), map[string]any{"time_range": "1h"})
		require.NoError(t, err)
		assert.Equal(t, 0, out["count"])
	})

	t.Run("bad range", func(t *testing.T) {
		_, err := (&LogFetch{Path: path}).Execute(context.Background(), map[string]any{"time_range": "yesterday"})
		assert.ErrorContains(t, err, "invalid time_range")
	})

	t.Run("max entries keeps the most recent", func(t *testing.T) {
		out, err := (&LogFetch{Path: path, MaxEntries: 1, now: func() time.Time { return now }}).Execute(context.Background(), map[string]any{"time_range": "24h"})
		require.NoError(t, err)
		entries := out["log_entries"].([]any)
		require.Len(t, entries, 1)
		assert.Equal(t, "plain text critical line", entries[0].(map[string]any)["msg"])
	})
}

func TestLLMSummarize(t *testing.T) {
	t.Run("extractive without a model", func(t *testing.T) {
		out, err := (&LLMSummarize{}).Execute(context.Background(), map[string]any{
			"content": "disk failure\ndisk failure\nnetwork down", "max_length": 500.0,
		})
		require.NoError(t, err)
		assert.Equal(t, "3 lines, 2 distinct: disk failure", out["summary"])
		assert.Equal(t, []any{"disk failure", "network down"}, out["key_points"])
	})

	t.Run("model answer parsed", func(t *testing.T) {
		llm := new(mocks.MockLLMClient)
		llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
			return req.Options.ForceJSONFormat && strings.Contains(req.UserPrompt, "network down")
		})).Return(`{"summary":"network outage","key_points":["network down"]}`, nil)

		out, err := (&LLMSummarize{LLM: llm}).Execute(context.Background(), map[string]any{"content": "network down"})
		require.NoError(t, err)
		assert.Equal(t, "network outage", out["summary"])
		assert.Equal(t, []any{"network down"}, out["key_points"])
		llm.AssertExpectations(t)
	})

	t.Run("prose answer kept", func(t *testing.T) {
		llm := new(mocks.MockLLMClient)
		llm.On("Generate", mock.Anything, mock.Anything).Return("Everything is fine.", nil)
		out, err := (&LLMSummarize{LLM: llm}).Execute(context.Background(), map[string]any{"content": "x", "max_length": 10.0})
		require.NoError(t, err)
		assert.Equal(t, "Everyth...", out["summary"])
	})
}

func TestAlertSend(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := newTestRegistry(t)
	r.Register(&AlertSend{Logger: zap.New(core)})

	out, err := r.ExecuteTool(context.Background(), toolchain.ToolAlertSend, map[string]any{
		"message":       "cpu hot",
		"step_2_output": map[string]any{"cpu_percent": 97.0},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["sent"])
	assert.NotEmpty(t, out["alert_id"])

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "ALERT: cpu hot", entry.Message)
	assert.Equal(t, "warning", entry.ContextMap()["severity"])
	assert.Contains(t, entry.ContextMap(), "step_2_output")

	_, err = r.ExecuteTool(context.Background(), toolchain.ToolAlertSend, map[string]any{"severity": "apocalyptic"})
	assert.ErrorContains(t, err, "not one of")
}
