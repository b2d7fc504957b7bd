// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// GeminiClient implements schemas.LLMClient on the Google Gen AI SDK.
type GeminiClient struct {
	client     *genai.Client
	model      string
	logger     *zap.Logger
	config     config.LLMConfig
	newBackOff func() backoff.BackOff
}

// NewGeminiClient initializes the client. Endpoint, when set, replaces the
// SDK's base URL.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.Endpoint, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client:     client,
		model:      cfg.Model,
		config:     cfg,
		logger:     logger.Named("llm_client.gemini"),
		newBackOff: defaultBackOff,
	}, nil
}

// Generate sends the prompts to the model with retries on transient errors.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	gc := c.buildConfig(req)
	contents := genai.Text(req.UserPrompt)

	var content string
	operation := func() error {
		start := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, gc)
		if err != nil {
			c.logger.Warn("Gemini request failed.", zap.Error(err))
			return classifySDKError(err)
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", resp.PromptFeedback.BlockReason))
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		text := resp.Text()
		if text == "" {
			reason := resp.Candidates[0].FinishReason
			if reason == genai.FinishReasonSafety || reason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", reason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", reason)
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(start))}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)
		content = text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

func (c *GeminiClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Options.Temperature)),
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if n := firstPositive(req.Options.MaxTokens, c.config.MaxTokens); n > 0 {
		gc.MaxOutputTokens = int32(n)
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

// Close is a no-op; the SDK client has nothing to release.
func (c *GeminiClient) Close() error { return nil }
