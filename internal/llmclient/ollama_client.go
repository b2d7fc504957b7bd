// internal/llmclient/ollama_client.go
package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaClient talks to a local Ollama server over its REST API.
type OllamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.LLMConfig
	newBackOff func() backoff.BackOff
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// NewOllamaClient initializes the client. No API key is needed.
func NewOllamaClient(cfg config.LLMConfig, logger *zap.Logger) (*OllamaClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &OllamaClient{
		endpoint:   endpoint,
		model:      cfg.Model,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		logger:     logger.Named("llm_client.ollama"),
		newBackOff: defaultBackOff,
	}, nil
}

// Generate sends the prompts to /api/generate with retries.
func (c *OllamaClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	payload := ollamaRequest{
		Model:  c.model,
		Prompt: req.UserPrompt,
		System: req.SystemPrompt,
		Options: ollamaOptions{
			Temperature: req.Options.Temperature,
			NumPredict:  firstPositive(req.Options.MaxTokens, c.config.MaxTokens),
		},
	}
	if req.Options.ForceJSONFormat {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var content string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return statusError(c.logger, "ollama", resp.StatusCode, respBody)
		}

		var out ollamaResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if out.Error != "" {
			return backoff.Permanent(fmt.Errorf("ollama error: %s", out.Error))
		}
		if strings.TrimSpace(out.Response) == "" {
			return fmt.Errorf("ollama returned an empty response")
		}

		c.logger.Info("LLM generation complete (Ollama)",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", out.PromptEvalCount),
			zap.Int("completion_tokens", out.EvalCount),
		)
		content = out.Response
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

// Close is a no-op; the HTTP client holds no exclusive resources.
func (c *OllamaClient) Close() error { return nil }
