// File: cmd/plan.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newPlanCmd() *cobra.Command {
	var format string

	planCmd := &cobra.Command{
		Use:   "plan [goal]",
		Short: "Decompose a goal into an execution plan and print it",
		Long: `Runs only the planner. The plan is printed as YAML or JSON and is not
validated or executed; use 'run --dry-run' for diagnostics.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runPlan(ctx, observability.GetLogger(), cfg, strings.Join(args, " "), format, cmd.OutOrStdout())
		},
	}

	planCmd.Flags().StringVarP(&format, "output", "o", "yaml", "Output format: 'yaml' or 'json'")
	return planCmd
}

func runPlan(ctx context.Context, logger *zap.Logger, cfg config.Interface, goal, format string, out io.Writer) error {
	format = strings.ToLower(format)
	if format != "yaml" && format != "json" {
		return fmt.Errorf("unsupported output format %q (want yaml or json)", format)
	}

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	plan, err := comps.planner.PlanGoal(ctx, goal, nil)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}

	switch format {
	case "json":
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize plan to JSON: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	default:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(plan); err != nil {
			return fmt.Errorf("failed to serialize plan to YAML: %w", err)
		}
		return enc.Close()
	}
}
