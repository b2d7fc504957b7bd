// Package router picks the tool for an execute step. It is the default
// ToolSelector; an external policy can replace it through the same interface.
package router

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

const (
	// HintConfidence is reported when the step names its tool.
	HintConfidence = 0.85
	// KeywordConfidence is reported for a description keyword match.
	KeywordConfidence = 0.6
)

// ConfidenceSource reports learned per-tool confidence in [0,1]. 0.5 is neutral.
type ConfidenceSource interface {
	ToolConfidence(tool string) float64
}

type keywordRoute struct {
	keyword string
	tool    string
}

// Ordered: the first match wins, so specific words come before generic ones.
var defaultRoutes = []keywordRoute{
	{"disk", toolchain.ToolDiskCheck},
	{"cpu", toolchain.ToolCPUMonitor},
	{"clean", toolchain.ToolMemoryClean},
	{"alert", toolchain.ToolAlertSend},
	{"notify", toolchain.ToolAlertSend},
	{"summar", toolchain.ToolLLMSummarize},
	{"fetch", toolchain.ToolLogFetch},
	{"filter", toolchain.ToolLogFilter},
	{"monitor", toolchain.ToolCPUMonitor},
	{"check", toolchain.ToolMemoryCheck},
}

// Router is a keyword and hint based tool selector.
type Router struct {
	known  map[string]bool
	routes []keywordRoute
	adapt  ConfidenceSource
	logger *zap.Logger
}

// New creates a router restricted to the given tool names. An empty list
// accepts every tool.
func New(known []string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{routes: defaultRoutes, logger: logger.Named("router")}
	if len(known) > 0 {
		r.known = make(map[string]bool, len(known))
		for _, k := range known {
			r.known[k] = true
		}
	}
	return r
}

// WithConfidence attaches a learned confidence source that scales every choice.
func (r *Router) WithConfidence(src ConfidenceSource) *Router {
	r.adapt = src
	return r
}

func (r *Router) allowed(tool string) bool {
	return r.known == nil || r.known[tool]
}

// SelectTool implements schemas.ToolSelector.
func (r *Router) SelectTool(ctx context.Context, step schemas.PlanStep, _ map[string]any) (schemas.ToolChoice, error) {
	if err := ctx.Err(); err != nil {
		return schemas.ToolChoice{}, err
	}

	if step.ToolHint != "" && r.allowed(step.ToolHint) {
		return r.scaled(step.ToolHint, HintConfidence), nil
	}

	desc := strings.ToLower(step.Description)
	for _, route := range r.routes {
		if strings.Contains(desc, route.keyword) && r.allowed(route.tool) {
			return r.scaled(route.tool, KeywordConfidence), nil
		}
	}

	r.logger.Debug("No tool matched step", zap.String("step_id", step.StepID), zap.String("hint", step.ToolHint))
	return schemas.ToolChoice{Tool: schemas.UnknownTool, Confidence: 0}, nil
}

// scaled applies the learned confidence: neutral (0.5) leaves the base value
// unchanged, 0 halves it and 1 raises it by half, capped at 1.
func (r *Router) scaled(tool string, base float64) schemas.ToolChoice {
	conf := base
	if r.adapt != nil {
		conf = base * (0.5 + r.adapt.ToolConfidence(tool))
		if conf > 1 {
			conf = 1
		}
		if conf < 0 {
			conf = 0
		}
	}
	return schemas.ToolChoice{Tool: tool, Confidence: conf}
}
