// File: cmd/trace.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/observability"
	"github.com/xkilldash9x/sentient-cli/internal/trace"
)

func newTraceCmd(provider storeProvider) *cobra.Command {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded execution traces",
	}
	traceCmd.AddCommand(newTraceTailCmd())
	traceCmd.AddCommand(newTraceStatsCmd())
	traceCmd.AddCommand(newTraceRunsCmd(provider))
	return traceCmd
}

func newTraceTailCmd() *cobra.Command {
	var (
		path      string
		fromStart bool
		poll      bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the trace file and print records as they are written",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Trace().Path
			}
			return runTraceTail(ctx, observability.GetLogger(), path, trace.FollowOptions{FromStart: fromStart, Poll: poll}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "", "Trace file (default trace.path)")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Print existing records before following")
	cmd.Flags().BoolVar(&poll, "poll", false, "Poll for changes instead of using inotify")
	return cmd
}

func runTraceTail(ctx context.Context, logger *zap.Logger, path string, opts trace.FollowOptions, out io.Writer) error {
	logger.Debug("Following trace file.", zap.String("path", path))
	return trace.Follow(ctx, path, opts, logger, func(e trace.Entry) error {
		printEntry(out, e)
		return nil
	})
}

func printEntry(out io.Writer, e trace.Entry) {
	switch {
	case e.Type == trace.EntryStep && e.Step != nil:
		s := e.Step
		fmt.Fprintf(out, "%s step %-10s %-9s %-14s %6dms %s\n", s.Timestamp.Format(time.TimeOnly),
			s.StepID, s.ActionType, dash(s.ToolUsed), s.DurationMS, statusText(string(s.Status), s.Error))
	case e.Type == trace.EntryRun && e.Run != nil:
		r := e.Run
		fmt.Fprintf(out, "%s run  %s %s reward=%.2f steps=%d replans=%d goal=%q\n", r.Timestamp.Format(time.TimeOnly),
			r.RunID, r.Status, r.Reward, r.Metrics.TotalSteps, r.Metrics.ReplanningCount, r.Goal)
	}
}

func statusText(status, errMsg string) string {
	if errMsg == "" {
		return status
	}
	return status + ": " + errMsg
}

func newTraceStatsCmd() *cobra.Command {
	var (
		path   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate the trace file and the RL episode summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runTraceStats(cfg, path, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "", "Trace file (default trace.path)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the statistics as JSON")
	return cmd
}

// traceReport is the JSON form of trace stats.
type traceReport struct {
	Trace    trace.Stats    `json:"trace"`
	Episodes *trace.Summary `json:"episodes,omitempty"`
}

func runTraceStats(cfg config.Interface, path string, asJSON bool, out io.Writer) error {
	if path == "" {
		path = cfg.Trace().Path
	}
	expanded, err := trace.ExpandPath(path)
	if err != nil {
		return err
	}
	f, err := os.Open(expanded)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	report := traceReport{}
	if report.Trace, err = trace.Aggregate(f); err != nil {
		return err
	}
	if dir := cfg.Trace().RLDir; dir != "" {
		summary, err := trace.LoadSummary(dir)
		if err != nil {
			return err
		}
		if summary.TotalTraces > 0 {
			report.Episodes = &summary
		}
	}

	if asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize stats: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	printStats(out, report)
	return nil
}

func printStats(out io.Writer, r traceReport) {
	st := r.Trace
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Runs\t%d (goals achieved %d)\n", st.Runs, st.GoalsAchieved)
	for _, k := range sortedKeys(st.RunsByStatus) {
		fmt.Fprintf(w, "  %s\t%d\n", k, st.RunsByStatus[k])
	}
	fmt.Fprintf(w, "Average reward\t%.3f\n", st.AverageReward)
	fmt.Fprintf(w, "Steps\t%d (average %.0fms)\n", st.Steps, st.AverageStepMS)
	statuses := make(map[string]int, len(st.StepsByStatus))
	for status, n := range st.StepsByStatus {
		statuses[string(status)] = n
	}
	for _, k := range sortedKeys(statuses) {
		fmt.Fprintf(w, "  %s\t%d\n", k, statuses[k])
	}
	if len(st.ToolUsage) > 0 {
		fmt.Fprintln(w, "Tool usage\t")
		for _, k := range sortedKeys(st.ToolUsage) {
			fmt.Fprintf(w, "  %s\t%d\n", k, st.ToolUsage[k])
		}
	}
	if len(st.TopFailures) > 0 {
		fmt.Fprintln(w, "Top failures\t")
		for _, tc := range st.TopFailures {
			fmt.Fprintf(w, "  %s\t%d\n", tc.Tool, tc.Count)
		}
	}
	if st.Skipped > 0 {
		fmt.Fprintf(w, "Unreadable lines\t%d\n", st.Skipped)
	}
	if ep := r.Episodes; ep != nil {
		fmt.Fprintf(w, "Episodes\t%d (successful %d)\n", ep.TotalTraces, ep.SuccessfulGoals)
		fmt.Fprintf(w, "  average reward\t%.3f\n", ep.AverageReward)
		fmt.Fprintf(w, "  average steps\t%.1f\n", ep.AverageSteps)
		fmt.Fprintf(w, "  average duration\t%.0fms\n", ep.AverageDurationMS)
		for _, k := range sortedKeys(ep.GoalTypes) {
			fmt.Fprintf(w, "  goal type %s\t%d\n", k, ep.GoalTypes[k])
		}
	}
	_ = w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTraceRunsCmd(provider storeProvider) *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List archived runs from the database, or the steps of one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runTraceRuns(ctx, cfg, provider, limit, runID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	cmd.Flags().StringVar(&runID, "run-id", "", "Show the archived steps of this run")
	return cmd
}

func runTraceRuns(ctx context.Context, cfg config.Interface, provider storeProvider, limit int, runID string, out io.Writer) error {
	arch, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if runID != "" {
		steps, err := arch.StepsByRun(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "STEP\tACTION\tTOOL\tSTATUS\tDURATION\tERROR")
		for _, s := range steps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\n", s.StepID, s.ActionType, dash(s.ToolUsed), s.Status, s.DurationMS, dash(s.Error))
		}
		return nil
	}

	runs, err := arch.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "RUN\tSTATUS\tREWARD\tSTEPS\tREPLANS\tFINISHED\tGOAL")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%d\t%s\t%s\n", r.RunID, r.Status, r.Reward, r.TotalSteps, r.Replans,
			r.FinishedAt.Format(time.DateTime), r.Goal)
	}
	return nil
}
