// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/mocks"
	"github.com/xkilldash9x/sentient-cli/internal/observability"
	"github.com/xkilldash9x/sentient-cli/internal/store"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
	"github.com/xkilldash9x/sentient-cli/internal/trace"
)

func TestMain(m *testing.M) {
	// Claim the global logger before any PersistentPreRunE does, so tests
	// neither print nor create log files.
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"}, zapcore.AddSync(io.Discard))
	os.Exit(m.Run())
}

// newTestConfig is the default configuration with every output redirected
// into a temporary directory and the resource monitor off, so runs do not
// depend on how busy the machine is.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.LoggerCfg.LogFile = filepath.Join(dir, "sentient.log")
	cfg.TraceCfg.Path = filepath.Join(dir, "trace.jsonl")
	cfg.TraceCfg.RLDir = filepath.Join(dir, "rl")
	cfg.GuardrailsCfg.Resources.Enabled = false
	return cfg
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []schemas.RunTrace
	runs  []store.RunSummary
	steps []schemas.StepTrace
}

func (f *fakeArchive) SaveRun(_ context.Context, run schemas.RunTrace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, run)
	return nil
}

func (f *fakeArchive) RecentRuns(context.Context, int) ([]store.RunSummary, error) {
	return f.runs, nil
}

func (f *fakeArchive) StepsByRun(context.Context, string) ([]schemas.StepTrace, error) {
	return f.steps, nil
}

type fakeProvider struct {
	archive  *fakeArchive
	err      error
	cleanups int
}

func (p *fakeProvider) Create(context.Context, config.Interface) (runArchive, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.archive, func() { p.cleanups++ }, nil
}

func TestRunGoal_DryRun(t *testing.T) {
	cfg := newTestConfig(t)
	var out bytes.Buffer

	err := runGoal(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage",
		runOptions{DryRun: true, MaxSteps: 10}, nil, &out)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "Plan ")
	assert.Contains(t, s, toolchain.ToolMemoryCheck)
	assert.Contains(t, s, "Validation: OK")
	assert.Contains(t, s, "Tool chain: OK")
	assert.Equal(t, 10, cfg.Loop().MaxSteps)

	_, err = os.Stat(cfg.Trace().Path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "dry run must not write traces")
}

func TestRunGoal_AppliesFlagOverrides(t *testing.T) {
	base := newTestConfig(t)
	cfg := new(mocks.MockConfig)
	cfg.On("SetLoopMaxSteps", 12).Once()
	cfg.On("SetTraceEnabled", true).Once()
	cfg.On("LLM").Return(base.LLM())
	cfg.On("Tools").Return(base.Tools())
	cfg.On("Logger").Return(base.Logger()).Maybe()
	cfg.On("Planner").Return(base.Planner())

	err := runGoal(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage",
		runOptions{MaxSteps: 12, SaveTrace: true, DryRun: true}, nil, io.Discard)
	require.NoError(t, err)
	cfg.AssertExpectations(t)
}

func TestRunGoal_ExecutesAndRecords(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseCfg.URL = "postgres://unused"
	provider := &fakeProvider{archive: &fakeArchive{}}
	var out bytes.Buffer

	err := runGoal(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage",
		runOptions{MaxSteps: 20, SaveTrace: true, Verbose: true}, provider, &out)
	if err != nil {
		require.ErrorIs(t, err, ErrGoalNotAchieved)
	}

	s := out.String()
	assert.Contains(t, s, "Status")
	assert.Contains(t, s, "Reward")
	assert.Contains(t, s, "Cycles:")
	assert.Contains(t, s, "state")

	// Everything is flushed once runGoal returns.
	require.Len(t, provider.archive.saved, 1)
	assert.Equal(t, "check memory usage", provider.archive.saved[0].Goal)
	assert.Equal(t, 1, provider.cleanups)

	f, err := os.Open(cfg.Trace().Path)
	require.NoError(t, err)
	defer f.Close()
	st, err := trace.Aggregate(f)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Runs)
	assert.GreaterOrEqual(t, st.Steps, 1)

	summary, err := trace.LoadSummary(cfg.Trace().RLDir)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalTraces)
}

func TestRunGoal_ArchiveUnavailableIsNotFatal(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseCfg.URL = "postgres://unused"
	provider := &fakeProvider{err: errors.New("connection refused")}
	var out bytes.Buffer

	err := runGoal(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage",
		runOptions{MaxSteps: 20}, provider, &out)
	if err != nil {
		require.ErrorIs(t, err, ErrGoalNotAchieved)
	}
	assert.Contains(t, out.String(), "Status")
}

func TestRunGoal_Cancelled(t *testing.T) {
	cfg := newTestConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer

	err := runGoal(ctx, zaptest.NewLogger(t), cfg, "check memory usage", runOptions{}, nil, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, out.String(), "halted")
}

func TestRunGoal_ExperiencePersists(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ExperienceCfg.Path = filepath.Join(t.TempDir(), "experience.db")

	for i := 0; i < 2; i++ {
		var out bytes.Buffer
		err := runGoal(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage",
			runOptions{MaxSteps: 20}, nil, &out)
		if err != nil {
			require.ErrorIs(t, err, ErrGoalNotAchieved)
		}
	}
	info, err := os.Stat(cfg.Experience().Path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRunPlan(t *testing.T) {
	cfg := newTestConfig(t)

	t.Run("yaml", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runPlan(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage", "yaml", &out))

		var plan schemas.ExecutionPlan
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &plan))
		assert.Equal(t, "check memory usage", plan.Goal)
		_, ok := plan.StopStep()
		assert.True(t, ok)
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runPlan(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage", "JSON", &out))

		var plan schemas.ExecutionPlan
		require.NoError(t, json.Unmarshal(out.Bytes(), &plan))
		assert.NotEmpty(t, plan.PlanID)
	})

	t.Run("unknown format", func(t *testing.T) {
		err := runPlan(context.Background(), zaptest.NewLogger(t), cfg, "check memory usage", "xml", io.Discard)
		assert.ErrorContains(t, err, "unsupported output format")
	})
}

func TestChainDiagnostics(t *testing.T) {
	chain := toolchain.NewStandardChain()
	plan := &schemas.ExecutionPlan{Steps: []schemas.PlanStep{
		{StepID: "a", ActionType: schemas.ActionExecute, ToolHint: toolchain.ToolLogFetch},
		{StepID: "b", ActionType: schemas.ActionExecute, ToolHint: toolchain.ToolLogFilter, Dependencies: []string{"a"}},
		{StepID: "c", ActionType: schemas.ActionExecute, ToolHint: "teleport"},
		{StepID: "d", ActionType: schemas.ActionStop, Dependencies: []string{"b", "c"}},
	}}

	diags := chainDiagnostics(plan, chain)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0], `unknown tool "teleport"`)
}

func TestRunTraceStats(t *testing.T) {
	cfg := newTestConfig(t)
	sink, err := trace.NewJSONLSink(cfg.Trace().Path, 16, zaptest.NewLogger(t))
	require.NoError(t, err)
	sink.RecordStep(schemas.StepTrace{StepID: "step_1", ToolUsed: toolchain.ToolMemoryCheck, Status: schemas.StatusSuccess, DurationMS: 12})
	sink.RecordRun(schemas.RunTrace{RunID: "r1", Goal: "check memory", Status: "succeeded", Reward: 1, GoalAchieved: true})
	require.NoError(t, sink.Close())

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runTraceStats(cfg, "", false, &out))
		assert.Contains(t, out.String(), "goals achieved 1")
		assert.Contains(t, out.String(), toolchain.ToolMemoryCheck)
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runTraceStats(cfg, "", true, &out))
		var report traceReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
		assert.Equal(t, 1, report.Trace.Runs)
		assert.Nil(t, report.Episodes)
	})

	t.Run("missing file", func(t *testing.T) {
		err := runTraceStats(cfg, filepath.Join(t.TempDir(), "nope.jsonl"), false, io.Discard)
		assert.ErrorContains(t, err, "failed to open trace file")
	})
}

func TestRunTraceTail(t *testing.T) {
	cfg := newTestConfig(t)
	sink, err := trace.NewJSONLSink(cfg.Trace().Path, 16, zaptest.NewLogger(t))
	require.NoError(t, err)
	sink.RecordRun(schemas.RunTrace{RunID: "r1", Goal: "check memory", Status: "failed", Timestamp: time.Now()})
	require.NoError(t, sink.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w := &lineWriter{cancel: cancel}
	err = runTraceTail(ctx, zaptest.NewLogger(t), cfg.Trace().Path, trace.FollowOptions{FromStart: true, Poll: true}, w)
	require.NoError(t, err)
	assert.Contains(t, w.String(), "run  r1 failed")
}

// lineWriter cancels the tail once something has been printed.
type lineWriter struct {
	mu     sync.Mutex
	buf    strings.Builder
	cancel context.CancelFunc
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.cancel()
	return w.buf.Write(p)
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestRunTraceRuns(t *testing.T) {
	cfg := newTestConfig(t)
	now := time.Now()
	provider := &fakeProvider{archive: &fakeArchive{
		runs: []store.RunSummary{{RunID: "r1", Goal: "check disk", Status: "succeeded", Reward: 0.9, TotalSteps: 2, FinishedAt: now}},
		steps: []schemas.StepTrace{{StepID: "step_1", ActionType: schemas.ActionExecute, ToolUsed: toolchain.ToolDiskCheck,
			Status: schemas.StatusFailed, DurationMS: 40, Error: "permission denied"}},
	}}

	var out bytes.Buffer
	require.NoError(t, runTraceRuns(context.Background(), cfg, provider, 5, "", &out))
	assert.Contains(t, out.String(), "r1")
	assert.Contains(t, out.String(), "check disk")

	out.Reset()
	require.NoError(t, runTraceRuns(context.Background(), cfg, provider, 5, "r1", &out))
	assert.Contains(t, out.String(), "permission denied")
	assert.Equal(t, 2, provider.cleanups)

	err := runTraceRuns(context.Background(), cfg, &fakeProvider{err: errNoDatabase}, 5, "", io.Discard)
	assert.ErrorIs(t, err, errNoDatabase)
}
