package llmclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/mocks"
)

// -- Test Setup Helpers --

func fastRetries() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func testRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "You are a planner.",
		UserPrompt:   "Check memory usage",
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	}
}

func llmConfig(provider config.LLMProvider, endpoint string) config.LLMConfig {
	return config.LLMConfig{
		Provider:   provider,
		Model:      "test-model",
		APIKey:     "test-api-key",
		Endpoint:   endpoint,
		APITimeout: 5 * time.Second,
		MaxTokens:  256,
	}
}

// -- Ollama --

func TestOllamaClient(t *testing.T) {
	t.Run("sends the request and returns the response", func(t *testing.T) {
		var got ollamaRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/generate", r.URL.Path)
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &got))
			_, _ = w.Write([]byte(`{"model":"test-model","response":"{\"steps\":[]}","done":true,"prompt_eval_count":7,"eval_count":3}`))
		}))
		defer server.Close()

		core, logs := observer.New(zap.InfoLevel)
		c, err := NewOllamaClient(llmConfig(config.ProviderOllama, server.URL+"/"), zap.New(core))
		require.NoError(t, err)

		out, err := c.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, `{"steps":[]}`, out)

		assert.Equal(t, "test-model", got.Model)
		assert.Equal(t, "You are a planner.", got.System)
		assert.Equal(t, "json", got.Format)
		assert.False(t, got.Stream)
		assert.Equal(t, 256, got.Options.NumPredict, "falls back to the configured max tokens")
		require.Equal(t, 1, logs.FilterMessage("LLM generation complete (Ollama)").Len())
	})

	t.Run("retries transient errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
		}))
		defer server.Close()

		c, err := NewOllamaClient(llmConfig(config.ProviderOllama, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)
		c.newBackOff = fastRetries

		out, err := c.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
		}))
		defer server.Close()

		c, err := NewOllamaClient(llmConfig(config.ProviderOllama, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)
		c.newBackOff = fastRetries

		_, err = c.Generate(context.Background(), testRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("empty responses are retried then reported", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(`{"response":"   ","done":true}`))
		}))
		defer server.Close()

		c, err := NewOllamaClient(llmConfig(config.ProviderOllama, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)
		c.newBackOff = fastRetries

		_, err = c.Generate(context.Background(), testRequest())
		assert.ErrorContains(t, err, "empty response")
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("requires a model", func(t *testing.T) {
		_, err := NewOllamaClient(config.LLMConfig{Provider: config.ProviderOllama}, zap.NewNop())
		assert.Error(t, err)
	})
}

// -- Gemini --

func TestGeminiClient(t *testing.T) {
	t.Run("generates through the SDK", func(t *testing.T) {
		var body map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "models/test-model:generateContent"), r.URL.Path)
			assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
			raw, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(raw, &body))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}],
				"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1,"totalTokenCount":4}}`))
		}))
		defer server.Close()

		c, err := NewGeminiClient(context.Background(), llmConfig(config.ProviderGemini, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)

		out, err := c.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
		assert.Contains(t, body, "systemInstruction")
		gen, ok := body["generationConfig"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "application/json", gen["responseMimeType"])
		assert.EqualValues(t, 256, gen["maxOutputTokens"])
	})

	t.Run("bad requests are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"bad prompt","status":"INVALID_ARGUMENT"}}`))
		}))
		defer server.Close()

		c, err := NewGeminiClient(context.Background(), llmConfig(config.ProviderGemini, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)
		c.newBackOff = fastRetries

		_, err = c.Generate(context.Background(), testRequest())
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("safety blocks are permanent", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"SAFETY"}]}`))
		}))
		defer server.Close()

		c, err := NewGeminiClient(context.Background(), llmConfig(config.ProviderGemini, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)
		c.newBackOff = fastRetries

		_, err = c.Generate(context.Background(), testRequest())
		assert.ErrorContains(t, err, "SAFETY")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("requires an API key", func(t *testing.T) {
		cfg := llmConfig(config.ProviderGemini, "")
		cfg.APIKey = ""
		_, err := NewGeminiClient(context.Background(), cfg, zap.NewNop())
		assert.ErrorContains(t, err, "API key")
	})
}

// -- OpenAI-compatible --

func TestOpenAIClient(t *testing.T) {
	t.Run("generates through langchaingo", func(t *testing.T) {
		var body map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
			assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
			raw, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(raw, &body))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
				"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
				"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
		}))
		defer server.Close()

		c, err := NewOpenAIClient(llmConfig(config.ProviderOpenAI, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)

		out, err := c.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "hi there", out)
		assert.Equal(t, "test-model", body["model"])
		msgs, ok := body["messages"].([]any)
		require.True(t, ok)
		assert.Len(t, msgs, 2, "system and user messages")
	})

	t.Run("retries rate limits", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"c2","object":"chat.completion","created":1,"model":"test-model",
				"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
		}))
		defer server.Close()

		c, err := NewOpenAIClient(llmConfig(config.ProviderOpenAI, server.URL), zaptest.NewLogger(t))
		require.NoError(t, err)
		c.newBackOff = fastRetries

		out, err := c.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestClassifyHTTPError(t *testing.T) {
	ctx := context.Background()
	var perm *backoff.PermanentError

	assert.ErrorAs(t, classifyHTTPError(ctx, errors.New("API returned unexpected status code: 401: bad key")), &perm)
	assert.False(t, errors.As(classifyHTTPError(ctx, errors.New("API returned unexpected status code: 503: busy")), &perm))
	assert.False(t, errors.As(classifyHTTPError(ctx, errors.New("connection reset by peer")), &perm))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorAs(t, classifyHTTPError(cancelled, errors.New("anything")), &perm)
}

// -- Router and factory --

func TestLLMRouter(t *testing.T) {
	fast := new(mocks.MockLLMClient)
	powerful := new(mocks.MockLLMClient)
	fast.On("Generate", context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast}).Return("fast", nil)
	powerful.On("Generate", context.Background(), schemas.GenerationRequest{}).Return("powerful", nil)
	fast.On("Close").Return(nil)
	powerful.On("Close").Return(errors.New("close failed"))

	r, err := NewLLMRouter(zaptest.NewLogger(t), fast, powerful)
	require.NoError(t, err)

	out, err := r.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
	require.NoError(t, err)
	assert.Equal(t, "fast", out)

	out, err = r.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "powerful", out, "no tier means powerful")

	_, err = r.Generate(context.Background(), schemas.GenerationRequest{Tier: "huge"})
	assert.ErrorContains(t, err, "no LLM client configured for tier")

	assert.ErrorContains(t, r.Close(), "close failed")
	fast.AssertExpectations(t)
	powerful.AssertExpectations(t)

	_, err = NewLLMRouter(zap.NewNop(), nil, powerful)
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	_, err := NewClient(ctx, config.LLMConfig{}, logger)
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = NewClient(ctx, config.LLMConfig{Provider: "anthropic", Model: "x"}, logger)
	assert.ErrorContains(t, err, "unsupported LLM provider")

	c, err := NewClient(ctx, llmConfig(config.ProviderOllama, "http://127.0.0.1:1"), logger)
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, c)

	c, err = NewClient(ctx, llmConfig(config.ProviderOpenAI, "http://127.0.0.1:1"), logger)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = NewClient(ctx, llmConfig(config.ProviderGemini, "http://127.0.0.1:1"), logger)
	require.NoError(t, err)
	assert.IsType(t, &GeminiClient{}, c)

	t.Run("fast model adds a router", func(t *testing.T) {
		cfg := llmConfig(config.ProviderOllama, "http://127.0.0.1:1")
		cfg.FastModel = "tiny-model"
		c, err := NewClient(ctx, cfg, logger)
		require.NoError(t, err)
		r, ok := c.(*LLMRouter)
		require.True(t, ok)
		assert.Equal(t, "tiny-model", r.clients[schemas.TierFast].(*OllamaClient).model)
		assert.Equal(t, "test-model", r.clients[schemas.TierPowerful].(*OllamaClient).model)
		assert.NoError(t, c.Close())
	})

	t.Run("same fast model needs no router", func(t *testing.T) {
		cfg := llmConfig(config.ProviderOllama, "http://127.0.0.1:1")
		cfg.FastModel = cfg.Model
		c, err := NewClient(ctx, cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, &OllamaClient{}, c)
	})
}
