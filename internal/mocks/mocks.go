// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Planner() config.PlannerConfig {
	args := m.Called()
	return args.Get(0).(config.PlannerConfig)
}

func (m *MockConfig) Executor() config.ExecutorConfig {
	args := m.Called()
	return args.Get(0).(config.ExecutorConfig)
}

func (m *MockConfig) Guardrails() config.GuardrailsConfig {
	args := m.Called()
	return args.Get(0).(config.GuardrailsConfig)
}

func (m *MockConfig) Loop() config.LoopConfig {
	args := m.Called()
	return args.Get(0).(config.LoopConfig)
}

func (m *MockConfig) Tools() config.ToolsConfig {
	args := m.Called()
	return args.Get(0).(config.ToolsConfig)
}

func (m *MockConfig) Trace() config.TraceConfig {
	args := m.Called()
	return args.Get(0).(config.TraceConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Experience() config.ExperienceConfig {
	args := m.Called()
	return args.Get(0).(config.ExperienceConfig)
}

func (m *MockConfig) LLM() config.LLMConfig {
	args := m.Called()
	return args.Get(0).(config.LLMConfig)
}

// --- Setters ---

func (m *MockConfig) SetLoopMaxSteps(n int)   { m.Called(n) }
func (m *MockConfig) SetTraceEnabled(b bool)  { m.Called(b) }
func (m *MockConfig) SetLoggerLevel(l string) { m.Called(l) }

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close is a no-op unless an expectation was registered.
func (m *MockLLMClient) Close() error {
	for _, c := range m.ExpectedCalls {
		if c.Method == "Close" {
			return m.Called().Error(0)
		}
	}
	return nil
}

// -- Capability Mocks --

// MockToolExecutor mocks schemas.ToolExecutor.
type MockToolExecutor struct {
	mock.Mock
}

func (m *MockToolExecutor) ExecuteTool(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	args := m.Called(ctx, name, inputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

// MockToolSelector mocks schemas.ToolSelector.
type MockToolSelector struct {
	mock.Mock
}

func (m *MockToolSelector) SelectTool(ctx context.Context, step schemas.PlanStep, state map[string]any) (schemas.ToolChoice, error) {
	args := m.Called(ctx, step, state)
	return args.Get(0).(schemas.ToolChoice), args.Error(1)
}

// MockQueryResolver mocks schemas.QueryResolver.
type MockQueryResolver struct {
	mock.Mock
}

func (m *MockQueryResolver) Resolve(ctx context.Context, step schemas.PlanStep, inputs map[string]any) (map[string]any, error) {
	args := m.Called(ctx, step, inputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}
