// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/bus"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/executor"
	"github.com/xkilldash9x/sentient-cli/internal/loop"
	"github.com/xkilldash9x/sentient-cli/internal/observability"
	"github.com/xkilldash9x/sentient-cli/internal/planner"
	"github.com/xkilldash9x/sentient-cli/internal/router"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

const (
	eventBuffer       = 256
	eventDrainTimeout = time.Second
)

// runOptions are the flags of the run command.
type runOptions struct {
	MaxSteps  int
	DryRun    bool
	Verbose   bool
	SaveTrace bool
}

func newRunCmd(provider storeProvider) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Plan and execute a goal through the control loop",
		Long: `Decomposes the goal into a step graph, executes it under guardrails, and
observes, replans or backtracks until the goal is met or a limit is reached.
Exits with status 1 unless the run succeeds or --dry-run is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			goal := strings.Join(args, " ")
			return runGoal(ctx, logger, cfg, goal, opts, provider, cmd.OutOrStdout())
		},
	}

	runCmd.Flags().IntVar(&opts.MaxSteps, "max-steps", 50, "Maximum number of executed steps before the run fails")
	runCmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Print the plan and its diagnostics without executing anything")
	runCmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Print loop events and every observe/decide cycle")
	runCmd.Flags().BoolVar(&opts.SaveTrace, "save-trace", false, "Write step and run traces (overrides trace.enabled)")

	return runCmd
}

// runGoal is the testable core of the run command.
func runGoal(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	goal string,
	opts runOptions,
	provider storeProvider,
	out io.Writer,
) error {
	if opts.MaxSteps > 0 {
		cfg.SetLoopMaxSteps(opts.MaxSteps)
	}
	if opts.SaveTrace {
		cfg.SetTraceEnabled(true)
	}

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	if opts.DryRun {
		return dryRun(ctx, comps, goal, out)
	}

	sink := comps.traceSinks(ctx, cfg, provider)
	adapt := comps.adaptation(ctx, cfg)
	selector := router.New(comps.registry.Names(), logger).WithConfidence(adapt)

	loopOpts := []loop.Option{
		loop.WithTraceSink(sink),
		loop.WithAdaptation(adapt),
		loop.WithExecutorOptions(
			executor.WithChain(comps.registry.Chain()),
			executor.WithQueryResolver(executor.NewToolQueryResolver(comps.registry, comps.llm, logger)),
		),
	}

	stopEvents := func() {}
	if opts.Verbose {
		eventBus := bus.New(logger, eventBuffer)
		loopOpts = append(loopOpts, loop.WithEventBus(eventBus))
		stopEvents = printEvents(eventBus, out)
		defer stopEvents()
	}

	l := loop.New(loop.ConfigFrom(cfg), comps.planner, comps.registry, selector, logger, loopOpts...)
	res, runErr := l.RunGoal(ctx, goal, nil)
	stopEvents()
	if res == nil {
		return runErr
	}

	printResult(out, res, opts.Verbose)

	if runErr != nil {
		return runErr
	}
	if !res.Succeeded() {
		return fmt.Errorf("%w: run ended %s (%s)", ErrGoalNotAchieved, res.Status, res.Reason)
	}
	return nil
}

// printEvents prints bus events until the run-finished event has been seen,
// then shuts the bus down. The returned stop function is idempotent.
func printEvents(eventBus *bus.EventBus, out io.Writer) func() {
	events, _ := eventBus.Subscribe(bus.AllTypes...)
	finished := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := false
		for msg := range events {
			printEvent(out, msg)
			eventBus.Acknowledge(msg)
			if msg.Type == bus.TypeRunFinished && !seen {
				seen = true
				close(finished)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			// Publish drops on a full buffer, so the finish event may never come.
			select {
			case <-finished:
			case <-time.After(eventDrainTimeout):
			}
			eventBus.Shutdown()
			<-done
		})
	}
}

func dryRun(ctx context.Context, comps *components, goal string, out io.Writer) error {
	plan, err := comps.planner.PlanGoal(ctx, goal, nil)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	printPlanText(out, plan)

	valid, issues := planner.ValidatePlan(plan)
	fmt.Fprintf(out, "\nValidation: %s\n", okOrInvalid(valid))
	for _, issue := range issues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}

	diags := chainDiagnostics(plan, comps.registry.Chain())
	fmt.Fprintf(out, "\nTool chain: %s\n", okOrWarnings(len(diags) == 0))
	for _, d := range diags {
		fmt.Fprintf(out, "  - %s\n", d)
	}
	return nil
}

// chainDiagnostics checks every execute step against the tool chain: the tool
// must be known, and each execute dependency must be able to feed its
// required inputs unless the step supplies them itself.
func chainDiagnostics(plan *schemas.ExecutionPlan, chain *toolchain.Chain) []string {
	var diags []string
	for _, step := range plan.Steps {
		if step.ActionType != schemas.ActionExecute || step.ToolHint == "" {
			continue
		}
		sig, ok := chain.Signature(step.ToolHint)
		if !ok {
			diags = append(diags, fmt.Sprintf("%s: unknown tool %q", step.StepID, step.ToolHint))
			continue
		}
		if suppliesRequired(step, sig) {
			continue
		}
		for _, depID := range step.Dependencies {
			dep, ok := plan.Step(depID)
			if !ok || dep.ActionType != schemas.ActionExecute || dep.ToolHint == "" {
				continue
			}
			if err := chain.ValidateChain([]string{dep.ToolHint, step.ToolHint}); err != nil {
				diags = append(diags, fmt.Sprintf("%s <- %s: %s", step.StepID, depID,
					strings.ReplaceAll(err.Error(), "\n", "; ")))
			}
		}
	}
	return diags
}

func suppliesRequired(step schemas.PlanStep, sig toolchain.ToolSignature) bool {
	for _, name := range sig.RequiredInputs() {
		if _, ok := step.Inputs[name]; !ok {
			return false
		}
	}
	return true
}

func okOrInvalid(ok bool) string {
	if ok {
		return "OK"
	}
	return "INVALID"
}

func okOrWarnings(ok bool) string {
	if ok {
		return "OK"
	}
	return "WARNINGS"
}

func printPlanText(out io.Writer, plan *schemas.ExecutionPlan) {
	fmt.Fprintf(out, "Plan %s for %q (confidence %.2f)\n", plan.PlanID, plan.Goal, planner.PlanConfidence(plan))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  STEP\tACTION\tTOOL\tDEPENDS ON\tDESCRIPTION")
	for _, s := range plan.Steps {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", s.StepID, s.ActionType, dash(s.ToolHint),
			dash(strings.Join(s.Dependencies, ",")), s.Description)
	}
	_ = w.Flush()
}

func printResult(out io.Writer, res *loop.RunResult, verbose bool) {
	m := res.Metrics
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run\t%s\n", res.RunID)
	fmt.Fprintf(w, "Goal\t%s\n", res.Goal)
	fmt.Fprintf(w, "Status\t%s (%s)\n", res.Status, dash(res.Reason))
	if res.Error != "" {
		fmt.Fprintf(w, "Error\t%s\n", res.Error)
	}
	fmt.Fprintf(w, "Reward\t%.2f\n", res.Reward)
	fmt.Fprintf(w, "Goal achieved\t%t (satisfaction %.2f)\n", res.GoalAchieved, res.Satisfaction)
	fmt.Fprintf(w, "Steps\ttotal=%d success=%d failed=%d timeout=%d skipped=%d\n",
		m.TotalSteps, m.SuccessfulSteps, m.FailedSteps, m.TimeoutSteps, m.SkippedSteps)
	fmt.Fprintf(w, "Success rate\t%.0f%%\n", m.SuccessRate()*100)
	fmt.Fprintf(w, "Replans\t%d\n", m.ReplanningCount)
	fmt.Fprintf(w, "Violations\t%d\n", len(res.Violations))
	fmt.Fprintf(w, "Duration\t%s\n", m.Duration().Round(time.Millisecond))
	_ = w.Flush()

	if !verbose {
		return
	}
	if len(res.Violations) > 0 {
		fmt.Fprintln(out, "\nViolations:")
		for _, v := range res.Violations {
			fmt.Fprintf(out, "  [%s/%s] %s\n", v.Type, v.Severity, v.Message)
		}
	}
	if len(res.Cycles) > 0 {
		fmt.Fprintln(out, "\nCycles:")
		for _, c := range res.Cycles {
			o := c.Observation
			fmt.Fprintf(out, "  #%d plan=%s completed=%d/%d failed=%d timed_out=%d skipped=%d satisfaction=%.2f -> %s (%s)\n",
				c.Index, c.PlanID, o.CompletedSteps, o.TotalSteps, o.Failed, o.TimedOut, o.Skipped,
				o.Satisfaction, c.Decision.Action, c.Decision.Reason)
			for _, rec := range o.Recommendations {
				fmt.Fprintf(out, "      recommendation: %s\n", rec)
			}
		}
	}
}

func printEvent(out io.Writer, msg bus.Message) {
	ts := msg.Timestamp.Format("15:04:05.000")
	switch p := msg.Payload.(type) {
	case loop.StateChange:
		fmt.Fprintf(out, "%s state     %s -> %s\n", ts, p.From, p.To)
	case loop.Observation:
		fmt.Fprintf(out, "%s observe   plan=%s completed=%d/%d failed=%d\n", ts, p.PlanID, p.CompletedSteps, p.TotalSteps, p.Failed)
	case loop.Decision:
		fmt.Fprintf(out, "%s decide    %s (%s)\n", ts, p.Action, p.Reason)
	case schemas.Violation:
		fmt.Fprintf(out, "%s violation [%s/%s] %s\n", ts, p.Type, p.Severity, p.Message)
	case *schemas.ExecutionPlan:
		fmt.Fprintf(out, "%s plan      %s (%d steps)\n", ts, p.PlanID, len(p.Steps))
	case map[string]any:
		fmt.Fprintf(out, "%s %s %s\n", ts, strings.ToLower(string(msg.Type)), formatFields(p))
	default:
		fmt.Fprintf(out, "%s %s\n", ts, strings.ToLower(string(msg.Type)))
	}
}

func formatFields(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
