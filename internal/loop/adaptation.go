package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

const (
	historyWindow     = 10
	defaultConfidence = 0.5
	slowStep          = 10 * time.Second
	slowDiscount      = 0.8
	lowConfidence     = 0.3
	highConfidence    = 0.8
)

// ExperienceStore persists adaptation samples so that history survives the
// process.
type ExperienceStore interface {
	LoadExperience(ctx context.Context, window int) ([]schemas.ExperienceRecord, error)
	RecordExperience(ctx context.Context, rec schemas.ExperienceRecord) error
}

// AdaptationEngine keeps a rolling performance history per step id and per
// tool. It is safe for concurrent use: the executor reads timeouts and the
// router reads tool confidence from step goroutines.
type AdaptationEngine struct {
	logger *zap.Logger
	store  ExperienceStore
	now    func() time.Time

	mu    sync.RWMutex
	steps map[string][]float64
	tools map[string][]float64
}

// NewAdaptationEngine creates an engine. store may be nil.
func NewAdaptationEngine(store ExperienceStore, logger *zap.Logger) *AdaptationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptationEngine{
		logger: logger.Named("adaptation"),
		store:  store,
		now:    time.Now,
		steps:  make(map[string][]float64),
		tools:  make(map[string][]float64),
	}
}

// Warm loads the persisted history. Without a store it does nothing.
func (a *AdaptationEngine) Warm(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	recs, err := a.store.LoadExperience(ctx, historyWindow)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range recs {
		a.push(r.Kind, r.Key, r.Score)
	}
	a.logger.Debug("Adaptation history loaded.", zap.Int("records", len(recs)))
	return nil
}

// RecordResult feeds one step result into the history. Skipped and pending
// results carry no performance signal and are ignored.
func (a *AdaptationEngine) RecordResult(ctx context.Context, res schemas.StepResult) {
	var score float64
	switch res.Status {
	case schemas.StatusSuccess:
		score = 1
	case schemas.StatusFailed, schemas.StatusTimeout:
		score = 0
	default:
		return
	}
	if time.Duration(res.DurationMS)*time.Millisecond > slowStep {
		score *= slowDiscount
	}

	recs := []schemas.ExperienceRecord{{Kind: schemas.ExperienceStep, Key: res.StepID, Score: score}}
	if res.ToolUsed != "" && res.ToolUsed != schemas.UnknownTool {
		recs = append(recs, schemas.ExperienceRecord{Kind: schemas.ExperienceTool, Key: res.ToolUsed, Score: score})
	}

	a.mu.Lock()
	for _, r := range recs {
		a.push(r.Kind, r.Key, r.Score)
	}
	a.mu.Unlock()

	if a.store == nil {
		return
	}
	ts := a.now()
	for _, r := range recs {
		r.Timestamp = ts
		if err := a.store.RecordExperience(ctx, r); err != nil {
			a.logger.Warn("Failed to persist experience.", zap.String("key", r.Key), zap.Error(err))
		}
	}
}

// push appends a sample and trims to the window. Caller holds the lock.
func (a *AdaptationEngine) push(kind schemas.ExperienceKind, key string, score float64) {
	m := a.steps
	if kind == schemas.ExperienceTool {
		m = a.tools
	}
	h := append(m[key], score)
	if len(h) > historyWindow {
		h = h[len(h)-historyWindow:]
	}
	m[key] = h
}

// StepConfidence is the mean of the recent samples for the step, 0.5 without
// history.
func (a *AdaptationEngine) StepConfidence(stepID string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return mean(a.steps[stepID])
}

// ToolConfidence is the mean of the recent samples for the tool, 0.5 without
// history.
func (a *AdaptationEngine) ToolConfidence(tool string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return mean(a.tools[tool])
}

// AdaptTimeout gives historically flaky steps more time and reliable ones less.
func (a *AdaptationEngine) AdaptTimeout(stepID string, base time.Duration) time.Duration {
	conf := a.StepConfidence(stepID)
	switch {
	case conf < lowConfidence:
		return base * 3 / 2
	case conf > highConfidence:
		return base * 4 / 5
	}
	return base
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return defaultConfidence
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
