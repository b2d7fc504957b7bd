package planner

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

// Confidence reported for template plans and for the single-query fallback.
const (
	templateConfidence = 0.8
	fallbackConfidence = 0.4
)

// Draft is what a Strategy hands back before normalisation.
type Draft struct {
	Steps      []schemas.PlanStep
	Confidence float64
}

// Strategy turns an analysed goal into plan steps. Implementations must not
// add a stop step; the planner appends it.
type Strategy interface {
	Name() string
	Generate(ctx context.Context, goal string, analysis Analysis, planCtx map[string]any) (Draft, error)
}

// HeuristicStrategy maps goal keywords onto fixed step templates. Several
// templates can match one goal; each contributes an independent branch.
type HeuristicStrategy struct{}

func (HeuristicStrategy) Name() string { return "heuristic" }

// builder numbers steps as they are added.
type builder struct {
	steps []schemas.PlanStep
}

func (b *builder) add(step schemas.PlanStep, deps ...string) string {
	step.StepID = fmt.Sprintf("step_%d", len(b.steps)+1)
	if len(deps) > 0 {
		step.Dependencies = deps
	}
	b.steps = append(b.steps, step)
	return step.StepID
}

func (HeuristicStrategy) Generate(ctx context.Context, goal string, a Analysis, _ map[string]any) (Draft, error) {
	if err := ctx.Err(); err != nil {
		return Draft{}, err
	}
	b := &builder{}

	if a.HasAction("check") && a.HasTarget("memory") {
		check := b.add(schemas.PlanStep{
			ActionType:      schemas.ActionExecute,
			Description:     "Check system memory usage",
			ToolHint:        toolchain.ToolMemoryCheck,
			ExpectedOutput:  "memory_stats",
			SuccessCriteria: "memory_data_retrieved",
		})
		if a.HasAction("clean") {
			cond := b.add(schemas.PlanStep{
				ActionType:  schemas.ActionCondition,
				Description: "Evaluate if memory cleanup needed",
				Inputs: map[string]any{
					"field":            "usage_percent",
					"operator":         ">",
					"memory_threshold": a.Threshold(80),
				},
				SuccessCriteria: "decision_made",
			}, check)
			b.add(schemas.PlanStep{
				ActionType:      schemas.ActionExecute,
				Description:     "Execute memory cleanup",
				ToolHint:        toolchain.ToolMemoryClean,
				SuccessCriteria: "memory_freed",
			}, cond)
		}
	}

	if a.HasAction("summarize", "analyze") && a.HasTarget("error", "errors", "log", "logs") {
		fetch := b.add(schemas.PlanStep{
			ActionType:     schemas.ActionExecute,
			Description:    "Fetch recent logs",
			ToolHint:       toolchain.ToolLogFetch,
			Inputs:         map[string]any{"time_range": "24h"},
			ExpectedOutput: "log_entries",
		})
		filter := b.add(schemas.PlanStep{
			ActionType:     schemas.ActionExecute,
			Description:    "Filter error entries",
			ToolHint:       toolchain.ToolLogFilter,
			Inputs:         map[string]any{"filter": "error|critical"},
			ExpectedOutput: "error_logs",
		}, fetch)
		b.add(schemas.PlanStep{
			ActionType:     schemas.ActionQuery,
			Description:    "Summarize error patterns",
			ToolHint:       toolchain.ToolLLMSummarize,
			ExpectedOutput: "error_summary",
		}, filter)
	}

	if a.HasAction("monitor") && a.HasTarget("cpu") {
		thresholdTemplate(b, a, toolchain.ToolCPUMonitor, "Monitor CPU load", "cpu_percent", "CPU")
	}

	if a.HasAction("check") && a.HasTarget("disk") {
		thresholdTemplate(b, a, toolchain.ToolDiskCheck, "Check disk usage", "usage_percent", "Disk")
	}

	if len(b.steps) == 0 {
		b.add(schemas.PlanStep{
			ActionType:     schemas.ActionQuery,
			Description:    "Analyze goal: " + goal,
			Inputs:         map[string]any{"goal": goal},
			ExpectedOutput: "analysis",
		})
		return Draft{Steps: b.steps, Confidence: fallbackConfidence}, nil
	}
	return Draft{Steps: b.steps, Confidence: templateConfidence}, nil
}

// thresholdTemplate emits probe → condition → alert. The condition and alert
// are only added when the goal asks for them.
func thresholdTemplate(b *builder, a Analysis, tool, desc, field, label string) {
	probe := b.add(schemas.PlanStep{
		ActionType:     schemas.ActionExecute,
		Description:    desc,
		ToolHint:       tool,
		ExpectedOutput: field,
	})
	wantsAlert := a.HasAction("alert", "send", "email") || a.HasTarget("alert", "notification") || a.Mentions("notify")
	if !wantsAlert && !a.Conditional && len(a.Thresholds) == 0 {
		return
	}
	threshold := a.Threshold(90)
	cond := b.add(schemas.PlanStep{
		ActionType:  schemas.ActionCondition,
		Description: fmt.Sprintf("Evaluate if %s usage exceeds %g%%", label, threshold),
		Inputs: map[string]any{
			"field":     field,
			"operator":  ">",
			"threshold": threshold,
		},
		SuccessCriteria: "decision_made",
	}, probe)
	if wantsAlert {
		b.add(schemas.PlanStep{
			ActionType:  schemas.ActionExecute,
			Description: "Send alert",
			ToolHint:    toolchain.ToolAlertSend,
			Inputs: map[string]any{
				"message":  fmt.Sprintf("%s usage above %g%%", label, threshold),
				"severity": "warning",
			},
			SuccessCriteria: "alert_sent",
		}, cond)
	}
}
