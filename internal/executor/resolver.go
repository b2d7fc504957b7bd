package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/llmutil"
	"github.com/xkilldash9x/sentient-cli/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const querySystemPrompt = `You are the analysis component of an autonomous system.
Answer the request using only the provided data. Be concise.`

// maxPromptData bounds the serialised inputs included in a query prompt.
const maxPromptData = 8000

// ToolQueryResolver answers query steps. A step whose tool hint names a
// registered tool is run through that tool; anything else goes to the model.
// Without a model, unrouted queries return a stub answer.
type ToolQueryResolver struct {
	tools  schemas.ToolExecutor
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewToolQueryResolver builds a resolver. Either collaborator may be nil.
func NewToolQueryResolver(toolExec schemas.ToolExecutor, llm schemas.LLMClient, logger *zap.Logger) *ToolQueryResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolQueryResolver{tools: toolExec, llm: llm, logger: logger.Named("query")}
}

func (r *ToolQueryResolver) Resolve(ctx context.Context, step schemas.PlanStep, inputs map[string]any) (map[string]any, error) {
	if step.ToolHint != "" && r.tools != nil {
		out, err := r.tools.ExecuteTool(ctx, step.ToolHint, inputs)
		if !errors.Is(err, tools.ErrUnknownTool) {
			return out, err
		}
		r.logger.Debug("Query hint is not a tool, asking the model.", zap.String("hint", step.ToolHint))
	}

	if r.llm == nil {
		return map[string]any{"stub": true, "answer": step.Description}, nil
	}

	data, err := json.MarshalToString(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode query inputs: %w", err)
	}
	var prompt strings.Builder
	prompt.WriteString("Request: ")
	prompt.WriteString(step.Description)
	if step.ExpectedOutput != "" {
		prompt.WriteString("\nExpected output: ")
		prompt.WriteString(step.ExpectedOutput)
	}
	prompt.WriteString("\nData: ")
	prompt.WriteString(llmutil.Truncate(data, maxPromptData))

	answer, err := r.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: querySystemPrompt,
		UserPrompt:   prompt.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2},
	})
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	return map[string]any{"answer": strings.TrimSpace(answer)}, nil
}
