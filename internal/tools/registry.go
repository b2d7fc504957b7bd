// internal/tools/registry.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

// ErrUnknownTool is returned when a tool name is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is a capability the executor can invoke by name.
type Tool interface {
	Signature() toolchain.ToolSignature
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Registry holds the available tools and implements schemas.ToolExecutor.
// Inputs are defaulted and validated against the tool signature before a call
// and outputs are validated after it.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	limiters map[string]*rate.Limiter
	chain    *toolchain.Chain
	cfg      config.ToolsConfig
	logger   *zap.Logger
}

// NewRegistry creates an empty registry. Every registered signature is also added
// to the chain so input mapping and chain validation see the same contracts.
func NewRegistry(cfg config.ToolsConfig, chain *toolchain.Chain, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chain == nil {
		chain = toolchain.NewChain()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		limiters: make(map[string]*rate.Limiter),
		chain:    chain,
		cfg:      cfg,
		logger:   logger.Named("tools"),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	sig := t.Signature()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[sig.Name] = t
	// resilience: each tool gets its own bucket so a chatty step cannot starve the others.
	limit := rate.Inf
	if r.cfg.RatePerSecond > 0 {
		limit = rate.Limit(r.cfg.RatePerSecond)
	}
	burst := r.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	r.limiters[sig.Name] = rate.NewLimiter(limit, burst)
	r.chain.Register(sig)
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Signatures returns the signatures of all registered tools in name order.
func (r *Registry) Signatures() []toolchain.ToolSignature {
	names := r.Names()
	out := make([]toolchain.ToolSignature, 0, len(names))
	for _, n := range names {
		if t, ok := r.Get(n); ok {
			out = append(out, t.Signature())
		}
	}
	return out
}

// Chain returns the tool chain backing this registry.
func (r *Registry) Chain() *toolchain.Chain { return r.chain }

// ExecuteTool runs a tool by name.
func (r *Registry) ExecuteTool(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", name, err)
	}

	sig := tool.Signature()
	validated, err := sig.ValidateInputs(inputs)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Executing tool", zap.String("tool", name), zap.Int("inputs", len(validated)))
	out, err := tool.Execute(ctx, validated)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := sig.ValidateOutputs(out); err != nil {
		r.logger.Warn("Tool returned output that violates its signature", zap.String("tool", name), zap.Error(err))
		return nil, err
	}
	return out, nil
}
