package schemas

import (
	"context"
)

// -- Capability Interfaces --

// ToolExecutor runs a named tool. Implementations must be safe for concurrent use
// since the executor dispatches several steps at once.
type ToolExecutor interface {
	// ExecuteTool invokes the tool and returns its structured output. A tool that
	// reports a failure returns a non-nil error.
	ExecuteTool(ctx context.Context, name string, inputs map[string]any) (map[string]any, error)
}

// ToolSelector stands in for the routing policy that picks a tool for a step.
type ToolSelector interface {
	// SelectTool returns the chosen tool with a confidence in [0,1]. The state is
	// a read-only snapshot of the execution state at dispatch time.
	SelectTool(ctx context.Context, step PlanStep, state map[string]any) (ToolChoice, error)
}

// QueryResolver answers query steps, typically by delegating to an LLM.
type QueryResolver interface {
	Resolve(ctx context.Context, step PlanStep, inputs map[string]any) (map[string]any, error)
}

// TraceSink receives structured execution records. Both methods must return
// without blocking on downstream consumers.
type TraceSink interface {
	RecordStep(rec StepTrace)
	RecordRun(rec RunTrace)
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions provides detailed parameters to control the text generation
// process of the LLM, such as creativity (temperature) and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	MaxTokens       int     `json:"max_tokens"`
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}
