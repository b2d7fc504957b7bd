package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// OpenAIClient serves any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, vLLM, ...) through langchaingo.
type OpenAIClient struct {
	llm        llms.Model
	model      string
	logger     *zap.Logger
	config     config.LLMConfig
	newBackOff func() backoff.BackOff
}

// NewOpenAIClient initializes the client. Endpoint, when set, is the base URL.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model is required")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.APITimeout}),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &OpenAIClient{
		llm:        llm,
		model:      cfg.Model,
		config:     cfg,
		logger:     logger.Named("llm_client.openai"),
		newBackOff: defaultBackOff,
	}, nil
}

var statusCodeRe = regexp.MustCompile(`status code: (\d{3})`)

// Generate sends a system and a user message with retries on transient errors.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	var messages []llms.MessageContent
	if req.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt))

	callOpts := []llms.CallOption{llms.WithTemperature(req.Options.Temperature)}
	if n := firstPositive(req.Options.MaxTokens, c.config.MaxTokens); n > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(n))
	}
	if req.Options.ForceJSONFormat {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	var content string
	operation := func() error {
		start := time.Now()
		resp, err := c.llm.GenerateContent(ctx, messages, callOpts...)
		if err != nil {
			c.logger.Warn("OpenAI request failed.", zap.Error(err))
			return classifyHTTPError(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("openai API returned no choices"))
		}
		choice := resp.Choices[0]
		if choice.Content == "" {
			if choice.StopReason == "content_filter" {
				return backoff.Permanent(fmt.Errorf("openai API blocked the request (Reason: %s)", choice.StopReason))
			}
			return fmt.Errorf("openai API returned empty content (Reason: %s)", choice.StopReason)
		}
		c.logger.Info("LLM generation complete (OpenAI)",
			zap.Duration("duration", time.Since(start)),
			zap.Any("usage", choice.GenerationInfo),
		)
		content = choice.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

// classifyHTTPError retries transport errors and retryable status codes found
// in the client's error text. Context errors end the retry loop.
func classifyHTTPError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	m := statusCodeRe.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, _ := strconv.Atoi(m[1])
	if retryable(code) {
		return err
	}
	return backoff.Permanent(err)
}

// Close is a no-op.
func (c *OpenAIClient) Close() error { return nil }
