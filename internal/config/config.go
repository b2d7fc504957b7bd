// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Planner() PlannerConfig
	Executor() ExecutorConfig
	Guardrails() GuardrailsConfig
	Loop() LoopConfig
	Tools() ToolsConfig
	Trace() TraceConfig
	Database() DatabaseConfig
	Experience() ExperienceConfig
	LLM() LLMConfig

	// CLI overrides
	SetLoopMaxSteps(int)
	SetTraceEnabled(bool)
	SetLoggerLevel(string)
}

// Config holds the entire application configuration. Sections are exported for
// viper's decoder; the rest of the application reads them through Interface.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	PlannerCfg    PlannerConfig    `mapstructure:"planner" yaml:"planner"`
	ExecutorCfg   ExecutorConfig   `mapstructure:"executor" yaml:"executor"`
	GuardrailsCfg GuardrailsConfig `mapstructure:"guardrails" yaml:"guardrails"`
	LoopCfg       LoopConfig       `mapstructure:"loop" yaml:"loop"`
	ToolsCfg      ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	TraceCfg      TraceConfig      `mapstructure:"trace" yaml:"trace"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	ExperienceCfg ExperienceConfig `mapstructure:"experience" yaml:"experience"`
	LLMCfg        LLMConfig        `mapstructure:"llm" yaml:"llm"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Planner() PlannerConfig       { return c.PlannerCfg }
func (c *Config) Executor() ExecutorConfig     { return c.ExecutorCfg }
func (c *Config) Guardrails() GuardrailsConfig { return c.GuardrailsCfg }
func (c *Config) Loop() LoopConfig             { return c.LoopCfg }
func (c *Config) Tools() ToolsConfig           { return c.ToolsCfg }
func (c *Config) Trace() TraceConfig           { return c.TraceCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Experience() ExperienceConfig { return c.ExperienceCfg }
func (c *Config) LLM() LLMConfig               { return c.LLMCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetLoopMaxSteps(n int)   { c.LoopCfg.MaxSteps = n }
func (c *Config) SetTraceEnabled(b bool)  { c.TraceCfg.Enabled = b }
func (c *Config) SetLoggerLevel(l string) { c.LoggerCfg.Level = l }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// PlannerConfig selects and tunes the plan generation strategy.
type PlannerConfig struct {
	// Strategy is "heuristic" or "llm". The llm strategy falls back to the
	// heuristic one when the model answer cannot be used.
	Strategy          string  `mapstructure:"strategy" yaml:"strategy"`
	DefaultMaxRetries int     `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	LLMTemperature    float64 `mapstructure:"llm_temperature" yaml:"llm_temperature"`
}

// ExecutorConfig configures the step scheduler.
type ExecutorConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	StepTimeout       time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	MinToolConfidence float64       `mapstructure:"min_tool_confidence" yaml:"min_tool_confidence"`
}

// GuardrailsConfig groups the three guardrail checkers.
type GuardrailsConfig struct {
	Resources     ResourceLimits      `mapstructure:"resources" yaml:"resources"`
	Safety        SafetyPolicy        `mapstructure:"safety" yaml:"safety"`
	LoopDetection LoopDetectionConfig `mapstructure:"loop_detection" yaml:"loop_detection"`
}

// ResourceLimits are the process-level limits sampled by the resource monitor.
type ResourceLimits struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxMemoryMB      float64       `mapstructure:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent    float64       `mapstructure:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time" yaml:"max_execution_time"`
	MaxOpenFiles     int           `mapstructure:"max_open_files" yaml:"max_open_files"`
}

// SafetyPolicy configures the operation validator.
type SafetyPolicy struct {
	ProhibitedCommands     []string      `mapstructure:"prohibited_commands" yaml:"prohibited_commands"`
	ProtectedPaths         []string      `mapstructure:"protected_paths" yaml:"protected_paths"`
	MaxOperationsPerMinute int           `mapstructure:"max_operations_per_minute" yaml:"max_operations_per_minute"`
	FailureWindow          time.Duration `mapstructure:"failure_window" yaml:"failure_window"`
	MaxFailuresPerWindow   int           `mapstructure:"max_failures_per_window" yaml:"max_failures_per_window"`
	MinToolConfidence      float64       `mapstructure:"min_tool_confidence" yaml:"min_tool_confidence"`
	MinPlanConfidence      float64       `mapstructure:"min_plan_confidence" yaml:"min_plan_confidence"`
}

// LoopDetectionConfig configures the repeated-pattern detector.
type LoopDetectionConfig struct {
	Window           int `mapstructure:"window" yaml:"window"`
	MaxRepeatedSteps int `mapstructure:"max_repeated_steps" yaml:"max_repeated_steps"`
}

// LoopConfig configures the control loop state machine and reward shaping.
type LoopConfig struct {
	MaxSteps            int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxReplanning       int           `mapstructure:"max_replanning" yaml:"max_replanning"`
	MaxDuration         time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	// ReplanFailureRate is the weighted failure rate above which the loop replans.
	ReplanFailureRate   float64       `mapstructure:"replan_failure_rate" yaml:"replan_failure_rate"`
	BacktrackOnFailure  bool          `mapstructure:"backtrack_on_failure" yaml:"backtrack_on_failure"`
	AdaptiveTimeout     bool          `mapstructure:"adaptive_timeout" yaml:"adaptive_timeout"`
	AllowDroppedSteps   bool          `mapstructure:"allow_dropped_steps" yaml:"allow_dropped_steps"`
	// TimeoutFailureWeight is how much a timed-out step counts towards the
	// replanning failure rate. A hard failure counts 1.0.
	TimeoutFailureWeight float64       `mapstructure:"timeout_failure_weight" yaml:"timeout_failure_weight"`
	StuckWindow          int           `mapstructure:"stuck_window" yaml:"stuck_window"`
	MinStuckResults      int           `mapstructure:"min_stuck_results" yaml:"min_stuck_results"`
	BottleneckThreshold  time.Duration `mapstructure:"bottleneck_threshold" yaml:"bottleneck_threshold"`
	Rewards              RewardConfig  `mapstructure:"rewards" yaml:"rewards"`
}

// RewardConfig holds the reward shaping constants.
type RewardConfig struct {
	Success                 float64 `mapstructure:"success" yaml:"success"`
	PenaltyFailure          float64 `mapstructure:"penalty_failure" yaml:"penalty_failure"`
	PenaltyTimeout          float64 `mapstructure:"penalty_timeout" yaml:"penalty_timeout"`
	PenaltyExcessiveSteps   float64 `mapstructure:"penalty_excessive_steps" yaml:"penalty_excessive_steps"`
	ExcessiveStepsThreshold int     `mapstructure:"excessive_steps_threshold" yaml:"excessive_steps_threshold"`
	PenaltyPerReplan        float64 `mapstructure:"penalty_per_replan" yaml:"penalty_per_replan"`
	PenaltyPerViolation     float64 `mapstructure:"penalty_per_violation" yaml:"penalty_per_violation"`
}

// ToolsConfig configures the builtin tool registry.
type ToolsConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
	// LogSource is the file read by log_fetch. Empty means the logger's own file.
	LogSource     string  `mapstructure:"log_source" yaml:"log_source"`
	MaxLogEntries int     `mapstructure:"max_log_entries" yaml:"max_log_entries"`
}

// TraceConfig configures the JSON-lines trace sink.
type TraceConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	RLDir      string `mapstructure:"rl_dir" yaml:"rl_dir"`
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// DatabaseConfig holds the optional PostgreSQL connection for the run archive.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ExperienceConfig points at the SQLite file backing the adaptation history.
type ExperienceConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderNone   LLMProvider = ""
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMConfig defines the configuration for the single model used by the planner
// and by query steps.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	// FastModel serves query steps and summaries when set; the planner always
	// uses Model.
	FastModel   string        `mapstructure:"fast_model" yaml:"fast_model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// DefaultProhibitedCommands is the builtin command denylist.
var DefaultProhibitedCommands = []string{
	"rm -rf /",
	"format",
	"fdisk",
	"dd if=/dev/zero",
	"shutdown",
	"reboot",
	"kill -9 1",
}

// DefaultProtectedPaths is the builtin set of paths tools must not touch.
var DefaultProtectedPaths = []string{
	"/etc",
	"/sys",
	"/proc",
	"/boot",
	"/dev",
	`C:\Windows`,
	`C:\System32`,
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sentient")
	v.SetDefault("logger.log_file", "logs/sentient.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Planner --
	v.SetDefault("planner.strategy", "heuristic")
	v.SetDefault("planner.default_max_retries", 2)
	v.SetDefault("planner.llm_temperature", 0.2)

	// -- Executor --
	v.SetDefault("executor.max_parallel", 3)
	v.SetDefault("executor.step_timeout", "30s")
	v.SetDefault("executor.min_tool_confidence", 0.3)

	// -- Guardrails --
	v.SetDefault("guardrails.resources.enabled", true)
	v.SetDefault("guardrails.resources.max_memory_mb", 4096.0)
	v.SetDefault("guardrails.resources.max_cpu_percent", 80.0)
	v.SetDefault("guardrails.resources.max_execution_time", "300s")
	v.SetDefault("guardrails.resources.max_open_files", 1000)
	v.SetDefault("guardrails.safety.prohibited_commands", DefaultProhibitedCommands)
	v.SetDefault("guardrails.safety.protected_paths", DefaultProtectedPaths)
	v.SetDefault("guardrails.safety.max_operations_per_minute", 100)
	v.SetDefault("guardrails.safety.failure_window", "5m")
	v.SetDefault("guardrails.safety.max_failures_per_window", 10)
	v.SetDefault("guardrails.safety.min_tool_confidence", 0.3)
	v.SetDefault("guardrails.safety.min_plan_confidence", 0.5)
	v.SetDefault("guardrails.loop_detection.window", 10)
	v.SetDefault("guardrails.loop_detection.max_repeated_steps", 3)

	// -- Loop --
	v.SetDefault("loop.max_steps", 100)
	v.SetDefault("loop.max_replanning", 3)
	v.SetDefault("loop.max_duration", "300s")
	v.SetDefault("loop.replan_failure_rate", 0.5)
	v.SetDefault("loop.backtrack_on_failure", true)
	v.SetDefault("loop.adaptive_timeout", true)
	v.SetDefault("loop.allow_dropped_steps", false)
	v.SetDefault("loop.timeout_failure_weight", 0.5)
	v.SetDefault("loop.stuck_window", 5)
	v.SetDefault("loop.min_stuck_results", 3)
	v.SetDefault("loop.bottleneck_threshold", "5s")
	v.SetDefault("loop.rewards.success", 1.0)
	v.SetDefault("loop.rewards.penalty_failure", -0.5)
	v.SetDefault("loop.rewards.penalty_timeout", -0.3)
	v.SetDefault("loop.rewards.penalty_excessive_steps", -0.1)
	v.SetDefault("loop.rewards.excessive_steps_threshold", 20)
	v.SetDefault("loop.rewards.penalty_per_replan", 0.1)
	v.SetDefault("loop.rewards.penalty_per_violation", 0.2)

	// -- Tools --
	v.SetDefault("tools.rate_per_second", 10.0)
	v.SetDefault("tools.burst", 5)
	v.SetDefault("tools.log_source", "")
	v.SetDefault("tools.max_log_entries", 500)

	// -- Trace --
	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.path", "logs/sentient_trace.jsonl")
	v.SetDefault("trace.rl_dir", "logs/rl_traces")
	v.SetDefault("trace.buffer_size", 256)

	// -- Optional backends --
	v.SetDefault("database.url", "")
	v.SetDefault("experience.path", "")

	// -- LLM --
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.fast_model", "")
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are read from the environment only.
	_ = v.BindEnv("llm.api_key", "SENTIENT_LLM_API_KEY")
	_ = v.BindEnv("database.url", "SENTIENT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LLMCfg.Provider != ProviderNone && cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("SENTIENT_LLM_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.PlannerCfg.Validate(); err != nil {
		return fmt.Errorf("planner configuration invalid: %w", err)
	}
	if err := c.ExecutorCfg.Validate(); err != nil {
		return fmt.Errorf("executor configuration invalid: %w", err)
	}
	if err := c.GuardrailsCfg.Validate(); err != nil {
		return fmt.Errorf("guardrails configuration invalid: %w", err)
	}
	if err := c.LoopCfg.Validate(); err != nil {
		return fmt.Errorf("loop configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if c.TraceCfg.Enabled && c.TraceCfg.Path == "" {
		return fmt.Errorf("trace.path is required when tracing is enabled")
	}
	return nil
}

// Validate checks the planner configuration.
func (p *PlannerConfig) Validate() error {
	switch p.Strategy {
	case "heuristic", "llm":
	default:
		return fmt.Errorf("unknown strategy %q (expected heuristic or llm)", p.Strategy)
	}
	if p.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative")
	}
	return nil
}

// Validate checks the executor configuration.
func (e *ExecutorConfig) Validate() error {
	if e.MaxParallel <= 0 {
		return fmt.Errorf("max_parallel must be a positive integer")
	}
	if e.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be a positive duration")
	}
	if e.MinToolConfidence < 0 || e.MinToolConfidence > 1 {
		return fmt.Errorf("min_tool_confidence must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the guardrail limits.
func (g *GuardrailsConfig) Validate() error {
	if g.LoopDetection.Window < 2 {
		return fmt.Errorf("loop_detection.window must be at least 2")
	}
	if g.LoopDetection.MaxRepeatedSteps < 2 {
		return fmt.Errorf("loop_detection.max_repeated_steps must be at least 2")
	}
	if g.Safety.MaxOperationsPerMinute <= 0 {
		return fmt.Errorf("safety.max_operations_per_minute must be a positive integer")
	}
	if g.Safety.FailureWindow <= 0 {
		return fmt.Errorf("safety.failure_window must be a positive duration")
	}
	if g.Resources.Enabled && g.Resources.MaxExecutionTime <= 0 {
		return fmt.Errorf("resources.max_execution_time must be a positive duration")
	}
	return nil
}

// Validate checks the loop configuration.
func (l *LoopConfig) Validate() error {
	if l.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if l.MaxReplanning < 0 {
		return fmt.Errorf("max_replanning must not be negative")
	}
	if l.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be a positive duration")
	}
	if l.ReplanFailureRate < 0 || l.ReplanFailureRate > 1 {
		return fmt.Errorf("replan_failure_rate must be between 0.0 and 1.0")
	}
	if l.TimeoutFailureWeight < 0 || l.TimeoutFailureWeight > 1 {
		return fmt.Errorf("timeout_failure_weight must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the LLM configuration.
func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderNone:
		return nil
	case ProviderGemini, ProviderOpenAI:
		if l.APIKey == "" {
			return fmt.Errorf("api key is required for provider %q. Ensure SENTIENT_LLM_API_KEY is set", l.Provider)
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required for provider %q", l.Provider)
	}
	return nil
}
