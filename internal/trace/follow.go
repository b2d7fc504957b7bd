// internal/trace/follow.go
package trace

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

const maxLine = 4 * 1024 * 1024

// FollowOptions control Follow.
type FollowOptions struct {
	// FromStart replays the whole file before following new entries.
	FromStart bool
	// Poll uses stat polling instead of inotify.
	Poll bool
}

// Follow tails a trace file and calls fn for every decoded entry until ctx is
// cancelled or fn returns an error. Lines that do not decode are logged and
// skipped.
func Follow(ctx context.Context, path string, opts FollowOptions, logger *zap.Logger, fn func(Entry) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	whence := io.SeekEnd
	if opts.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(expanded, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      opts.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail trace file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				logger.Warn("Error reading trace file.", zap.Error(line.Err))
				continue
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			var e Entry
			if err := json.Unmarshal([]byte(line.Text), &e); err != nil {
				logger.Debug("Skipping undecodable trace line.", zap.Error(err))
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
}

// Stats aggregates a trace file.
type Stats struct {
	Runs          int                             `json:"runs"`
	Steps         int                             `json:"steps"`
	Skipped       int                             `json:"skipped_lines"`
	RunsByStatus  map[string]int                  `json:"runs_by_status"`
	StepsByStatus map[schemas.ExecutionStatus]int `json:"steps_by_status"`
	ToolUsage     map[string]int                  `json:"tool_usage"`
	GoalsAchieved int                             `json:"goals_achieved"`
	AverageReward float64                         `json:"average_reward"`
	AverageStepMS float64                         `json:"average_step_ms"`
	TopFailures   []ToolCount                     `json:"top_failures,omitempty"`

	failures map[string]int
}

// ToolCount pairs a tool with a count.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// Aggregate reads a JSON-lines trace stream into Stats.
func Aggregate(r io.Reader) (Stats, error) {
	st := Stats{
		RunsByStatus:  map[string]int{},
		StepsByStatus: map[schemas.ExecutionStatus]int{},
		ToolUsage:     map[string]int{},
		failures:      map[string]int{},
	}
	var rewardSum float64
	var stepMS int64

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			st.Skipped++
			continue
		}
		switch {
		case e.Type == EntryStep && e.Step != nil:
			st.Steps++
			st.StepsByStatus[e.Step.Status]++
			stepMS += e.Step.DurationMS
			if e.Step.ToolUsed != "" {
				st.ToolUsage[e.Step.ToolUsed]++
				if e.Step.Status.IsFailure() {
					st.failures[e.Step.ToolUsed]++
				}
			}
		case e.Type == EntryRun && e.Run != nil:
			st.Runs++
			st.RunsByStatus[e.Run.Status]++
			rewardSum += e.Run.Reward
			if e.Run.GoalAchieved {
				st.GoalsAchieved++
			}
		default:
			st.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("failed to read trace: %w", err)
	}

	if st.Runs > 0 {
		st.AverageReward = rewardSum / float64(st.Runs)
	}
	if st.Steps > 0 {
		st.AverageStepMS = float64(stepMS) / float64(st.Steps)
	}
	for tool, n := range st.failures {
		st.TopFailures = append(st.TopFailures, ToolCount{Tool: tool, Count: n})
	}
	sort.Slice(st.TopFailures, func(i, j int) bool {
		if st.TopFailures[i].Count != st.TopFailures[j].Count {
			return st.TopFailures[i].Count > st.TopFailures[j].Count
		}
		return st.TopFailures[i].Tool < st.TopFailures[j].Tool
	})
	return st, nil
}
