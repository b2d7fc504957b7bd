// internal/trace/episode.go
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

const (
	EpisodesFile = "execution_traces.jsonl"
	SummaryFile  = "trace_summary.json"
)

// Goal classes used by the summary.
const (
	GoalMonitoring  = "monitoring"
	GoalMaintenance = "maintenance"
	GoalAnalysis    = "analysis"
	GoalAlerting    = "alerting"
	GoalOther       = "other"
)

var featureKeywords = []string{
	"check", "monitor", "analyze", "summarize", "clean",
	"alert", "fetch", "filter", "execute", "run",
}

var goalClasses = []struct {
	class    string
	keywords []string
}{
	{GoalMonitoring, []string{"check", "monitor", "status"}},
	{GoalMaintenance, []string{"clean", "fix", "repair"}},
	{GoalAnalysis, []string{"analyze", "summarize", "report"}},
	{GoalAlerting, []string{"alert", "notify", "warn"}},
}

// EpisodeState are the features of the goal and plan at decision time.
type EpisodeState struct {
	GoalLength      int      `json:"goal_length"`
	GoalKeywords    []string `json:"goal_keywords"`
	PlanSteps       int      `json:"plan_steps"`
	ReplanningCount int      `json:"replanning_count"`
	PlanConfidence  float64  `json:"plan_confidence"`
}

// EpisodeAction is one executed step.
type EpisodeAction struct {
	StepID     string             `json:"step_id"`
	ActionType schemas.ActionType `json:"action_type"`
	Tool       string             `json:"tool,omitempty"`
	Confidence float64            `json:"confidence"`
	Success    bool               `json:"success"`
	DurationMS int64              `json:"duration_ms"`
}

// EpisodeOutcome summarises how the run ended.
type EpisodeOutcome struct {
	GoalAchieved bool    `json:"goal_achieved"`
	SuccessRate  float64 `json:"success_rate"`
	Satisfaction float64 `json:"satisfaction"`
	DurationMS   int64   `json:"duration_ms"`
	Violations   int     `json:"violations"`
}

// Episode is the reinforcement-learning view of one run.
type Episode struct {
	TraceID   string          `json:"trace_id"`
	Timestamp time.Time       `json:"timestamp"`
	Goal      string          `json:"goal"`
	State     EpisodeState    `json:"state"`
	Actions   []EpisodeAction `json:"actions"`
	Outcome   EpisodeOutcome  `json:"outcome"`
	Reward    float64         `json:"reward"`
}

// Summary holds running averages over every episode written to a directory.
type Summary struct {
	TotalTraces       int            `json:"total_traces"`
	SuccessfulGoals   int            `json:"successful_goals"`
	AverageReward     float64        `json:"average_reward"`
	AverageSteps      float64        `json:"average_steps"`
	AverageDurationMS float64        `json:"average_duration_ms"`
	GoalTypes         map[string]int `json:"goal_types"`
}

// Add folds one episode into the running averages.
func (s *Summary) Add(ep Episode) {
	n := float64(s.TotalTraces)
	s.TotalTraces++
	if ep.Outcome.GoalAchieved {
		s.SuccessfulGoals++
	}
	s.AverageReward = (n*s.AverageReward + ep.Reward) / (n + 1)
	s.AverageSteps = (n*s.AverageSteps + float64(ep.State.PlanSteps)) / (n + 1)
	s.AverageDurationMS = (n*s.AverageDurationMS + float64(ep.Outcome.DurationMS)) / (n + 1)
	if s.GoalTypes == nil {
		s.GoalTypes = make(map[string]int)
	}
	s.GoalTypes[ClassifyGoal(ep.Goal)]++
}

// GoalKeywords returns the feature keywords contained in the goal.
func GoalKeywords(goal string) []string {
	lower := strings.ToLower(goal)
	out := []string{}
	for _, kw := range featureKeywords {
		if strings.Contains(lower, kw) {
			out = append(out, kw)
		}
	}
	return out
}

// ClassifyGoal maps a goal to the first class whose keywords it mentions.
func ClassifyGoal(goal string) string {
	lower := strings.ToLower(goal)
	for _, c := range goalClasses {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.class
			}
		}
	}
	return GoalOther
}

// NewEpisode converts a run aggregate into an episode record.
func NewEpisode(run schemas.RunTrace) Episode {
	ep := Episode{
		TraceID:   run.RunID,
		Timestamp: run.Timestamp,
		Goal:      run.Goal,
		State: EpisodeState{
			GoalLength:      len(run.Goal),
			GoalKeywords:    GoalKeywords(run.Goal),
			PlanSteps:       run.Metrics.TotalSteps,
			ReplanningCount: run.Metrics.ReplanningCount,
			PlanConfidence:  run.PlanConfidence,
		},
		Actions: make([]EpisodeAction, 0, len(run.Steps)),
		Outcome: EpisodeOutcome{
			GoalAchieved: run.GoalAchieved,
			SuccessRate:  run.Metrics.SuccessRate(),
			Satisfaction: run.Satisfaction,
			DurationMS:   run.Metrics.Duration().Milliseconds(),
			Violations:   run.ViolationsCount,
		},
		Reward: run.Reward,
	}
	for _, st := range run.Steps {
		a := EpisodeAction{
			StepID:     st.StepID,
			ActionType: st.ActionType,
			Tool:       st.ToolUsed,
			Success:    st.Status == schemas.StatusSuccess,
			DurationMS: st.DurationMS,
		}
		if st.Confidence != nil {
			a.Confidence = *st.Confidence
		}
		ep.Actions = append(ep.Actions, a)
	}
	return ep
}

// EpisodeWriter appends one episode per finished run to dir/execution_traces.jsonl
// and keeps dir/trace_summary.json up to date. Step records are ignored; the
// run aggregate already carries them.
type EpisodeWriter struct {
	logger *zap.Logger
	dir    string
	mu     sync.Mutex
}

// NewEpisodeWriter creates the directory if needed.
func NewEpisodeWriter(dir string, logger *zap.Logger) (*EpisodeWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	expanded, err := ExpandPath(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create episode directory: %w", err)
	}
	return &EpisodeWriter{logger: logger.Named("episodes"), dir: expanded}, nil
}

// Dir is the expanded episode directory.
func (w *EpisodeWriter) Dir() string { return w.dir }

// RecordStep implements schemas.TraceSink.
func (w *EpisodeWriter) RecordStep(schemas.StepTrace) {}

// RecordRun implements schemas.TraceSink. Failures are logged, never returned.
func (w *EpisodeWriter) RecordRun(run schemas.RunTrace) {
	if err := w.Write(NewEpisode(run)); err != nil {
		w.logger.Error("Failed to record episode.", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

// Write appends the episode and updates the summary.
func (w *EpisodeWriter) Write(ep Episode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to encode episode: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(w.dir, EpisodesFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open episode file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to write episode: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	summary, err := LoadSummary(w.dir)
	if err != nil {
		return err
	}
	summary.Add(ep)
	if err := writeSummary(w.dir, summary); err != nil {
		return err
	}
	w.logger.Debug("Recorded episode.", zap.String("trace_id", ep.TraceID), zap.Float64("reward", ep.Reward))
	return nil
}

// LoadSummary reads dir/trace_summary.json; a missing file is an empty summary.
func LoadSummary(dir string) (Summary, error) {
	s := Summary{GoalTypes: map[string]int{}}
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read trace summary: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse trace summary: %w", err)
	}
	if s.GoalTypes == nil {
		s.GoalTypes = map[string]int{}
	}
	return s, nil
}

func writeSummary(dir string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trace summary: %w", err)
	}
	tmp := filepath.Join(dir, SummaryFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace summary: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, SummaryFile))
}

// ReadEpisodes loads every episode of dir/execution_traces.jsonl.
func ReadEpisodes(dir string) ([]Episode, error) {
	f, err := os.Open(filepath.Join(dir, EpisodesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Episode
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var ep Episode
		if err := json.Unmarshal(sc.Bytes(), &ep); err != nil {
			return out, fmt.Errorf("failed to parse episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, sc.Err()
}
