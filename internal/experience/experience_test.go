package experience

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/loop"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(t *testing.T, s *Store, kind schemas.ExperienceKind, key string, scores ...float64) {
	t.Helper()
	for _, sc := range scores {
		require.NoError(t, s.RecordExperience(context.Background(), schemas.ExperienceRecord{Kind: kind, Key: key, Score: sc}))
	}
}

func TestStore_LoadKeepsNewestWindowPerKey(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		record(t, s, schemas.ExperienceStep, "step_1", float64(i))
	}
	record(t, s, schemas.ExperienceTool, "step_1", 0.25)
	record(t, s, schemas.ExperienceTool, "log_fetch", 1, 0)

	recs, err := s.LoadExperience(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 13)

	var steps []float64
	for _, r := range recs {
		if r.Kind == schemas.ExperienceStep {
			steps = append(steps, r.Score)
		}
	}
	assert.Equal(t, []float64{2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, steps, "oldest first, two oldest trimmed")
	assert.Equal(t, schemas.ExperienceTool, recs[10].Kind, "step and tool histories with the same key stay apart")
	assert.Equal(t, "log_fetch", recs[12].Key)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestStore_Prune(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	record(t, s, schemas.ExperienceTool, "disk_check", 1, 1, 1, 0, 0)
	record(t, s, schemas.ExperienceTool, "cpu_monitor", 1)

	n, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	recs, err := s.LoadExperience(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []float64{0, 0}, []float64{recs[0].Score, recs[1].Score})
}

func TestStore_TimestampRoundTrip(t *testing.T) {
	s := openMemory(t)
	at := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)
	require.NoError(t, s.RecordExperience(context.Background(), schemas.ExperienceRecord{
		Kind: schemas.ExperienceStep, Key: "k", Score: 1, Timestamp: at,
	}))
	recs, err := s.LoadExperience(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, at.Equal(recs[0].Timestamp))
}

func TestStore_FileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "experience.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	record(t, s, schemas.ExperienceTool, "memory_check", 1, 1, 0)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.LoadExperience(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestStore_WarmsAdaptationEngine(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	first := loop.NewAdaptationEngine(s, zaptest.NewLogger(t))
	for i := 0; i < 4; i++ {
		status := schemas.StatusSuccess
		if i%2 == 1 {
			status = schemas.StatusFailed
		}
		first.RecordResult(ctx, schemas.StepResult{StepID: "step_1", ToolUsed: "log_fetch", Status: status})
	}
	first.RecordResult(ctx, schemas.StepResult{StepID: "step_2", Status: schemas.StatusSkipped})

	second := loop.NewAdaptationEngine(s, zaptest.NewLogger(t))
	require.NoError(t, second.Warm(ctx))
	assert.InDelta(t, 0.5, second.ToolConfidence("log_fetch"), 1e-9)
	assert.InDelta(t, 0.5, second.StepConfidence("step_1"), 1e-9)
	assert.Equal(t, 0.5, second.StepConfidence("step_2"), "skipped steps leave no history")

	t.Run("many keys", func(t *testing.T) {
		s := openMemory(t)
		a := loop.NewAdaptationEngine(s, nil)
		for i := 0; i < 20; i++ {
			a.RecordResult(ctx, schemas.StepResult{StepID: fmt.Sprintf("s%d", i), ToolUsed: "alert_send", Status: schemas.StatusSuccess})
		}
		b := loop.NewAdaptationEngine(s, nil)
		require.NoError(t, b.Warm(ctx))
		assert.Equal(t, 1.0, b.ToolConfidence("alert_send"))
		assert.Equal(t, 1.0, b.StepConfidence("s19"))
	})
}
