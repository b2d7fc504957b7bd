package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/llmutil"
)

const decomposeSystemPrompt = `You are a goal decomposition expert for an autonomous system.
Break the goal into concrete, executable steps. Respond with JSON only.`

const decomposeTemplate = `Goal: %s

Available tools: %s

Allowed action types: query, execute, condition.
- execute steps name a tool in "tool_hint".
- condition steps compare a numeric "field" of a prior output against "threshold" using "operator" (>, >=, <, <=, ==).
- Do not add a stop step.

Goal analysis: actions=%v targets=%v

Return an object of the form:
{"confidence": 0.0-1.0, "steps": [{"step_id": "s1", "action_type": "execute", "description": "...", "tool_hint": "...", "dependencies": [], "inputs": {}, "expected_output": "...", "success_criteria": "..."}]}`

// ErrEmptyDecomposition is returned when the model answers with no steps.
var ErrEmptyDecomposition = errors.New("llm returned no steps")

type llmStep struct {
	StepID          string         `json:"step_id"`
	ActionType      string         `json:"action_type"`
	Description     string         `json:"description"`
	ToolHint        string         `json:"tool_hint"`
	Dependencies    []string       `json:"dependencies"`
	Inputs          map[string]any `json:"inputs"`
	ExpectedOutput  string         `json:"expected_output"`
	SuccessCriteria string         `json:"success_criteria"`
}

type llmPlan struct {
	Confidence *float64  `json:"confidence"`
	Steps      []llmStep `json:"steps"`
}

// LLMStrategy asks a model for a step list and falls back to another strategy
// whenever the answer cannot be used.
type LLMStrategy struct {
	client      schemas.LLMClient
	fallback    Strategy
	tools       []string
	temperature float64
	logger      *zap.Logger
}

// NewLLMStrategy wires a model-backed strategy. A nil fallback means the
// heuristic templates.
func NewLLMStrategy(client schemas.LLMClient, tools []string, temperature float64, fallback Strategy, logger *zap.Logger) *LLMStrategy {
	if fallback == nil {
		fallback = HeuristicStrategy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMStrategy{
		client:      client,
		fallback:    fallback,
		tools:       tools,
		temperature: temperature,
		logger:      logger.Named("llm_strategy"),
	}
}

func (s *LLMStrategy) Name() string { return "llm" }

func (s *LLMStrategy) Generate(ctx context.Context, goal string, a Analysis, planCtx map[string]any) (Draft, error) {
	draft, err := s.decompose(ctx, goal, a)
	if err == nil {
		return draft, nil
	}
	// A cancelled run must not be masked by the fallback.
	if ctx.Err() != nil {
		return Draft{}, ctx.Err()
	}
	s.logger.Warn("LLM decomposition unusable, falling back.",
		zap.String("fallback", s.fallback.Name()),
		zap.Error(err))
	return s.fallback.Generate(ctx, goal, a, planCtx)
}

func (s *LLMStrategy) decompose(ctx context.Context, goal string, a Analysis) (Draft, error) {
	if s.client == nil {
		return Draft{}, errors.New("no llm client configured")
	}
	req := schemas.GenerationRequest{
		SystemPrompt: decomposeSystemPrompt,
		UserPrompt:   fmt.Sprintf(decomposeTemplate, goal, strings.Join(s.tools, ", "), a.Actions, a.Targets),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     s.temperature,
			ForceJSONFormat: true,
		},
	}
	raw, err := s.client.Generate(ctx, req)
	if err != nil {
		return Draft{}, fmt.Errorf("generate: %w", err)
	}

	plan, err := parseLLMPlan(raw)
	if err != nil {
		return Draft{}, err
	}
	if len(plan.Steps) == 0 {
		return Draft{}, ErrEmptyDecomposition
	}

	steps := make([]schemas.PlanStep, 0, len(plan.Steps))
	for i, ls := range plan.Steps {
		at, err := schemas.ParseActionType(strings.ToLower(strings.TrimSpace(ls.ActionType)))
		if err != nil {
			return Draft{}, fmt.Errorf("step %d: %w", i+1, err)
		}
		if at == schemas.ActionStop {
			continue
		}
		id := ls.StepID
		if id == "" {
			id = fmt.Sprintf("s%d", i+1)
		}
		steps = append(steps, schemas.PlanStep{
			StepID:          id,
			ActionType:      at,
			Description:     ls.Description,
			ToolHint:        ls.ToolHint,
			Dependencies:    ls.Dependencies,
			Inputs:          ls.Inputs,
			ExpectedOutput:  ls.ExpectedOutput,
			SuccessCriteria: ls.SuccessCriteria,
		})
	}
	if len(steps) == 0 {
		return Draft{}, ErrEmptyDecomposition
	}

	conf := 0.7
	if plan.Confidence != nil {
		conf = min(max(*plan.Confidence, 0), 1)
	}
	return Draft{Steps: steps, Confidence: conf}, nil
}

// parseLLMPlan accepts either the documented object or a bare step array.
func parseLLMPlan(raw string) (*llmPlan, error) {
	if strings.HasPrefix(strings.TrimSpace(llmutil.ExtractJSON(raw)), "[") {
		steps, err := llmutil.ParseJSONResponse[[]llmStep](raw)
		if err != nil {
			return nil, err
		}
		return &llmPlan{Steps: *steps}, nil
	}
	return llmutil.ParseJSONResponse[llmPlan](raw)
}
