package toolchain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

// Chain knows the signature of every tool and how outputs flow between them.
// It validates tool sequences and computes the mapped inputs of a step from the
// outputs of its upstream steps.
type Chain struct {
	mu          sync.RWMutex
	signatures  map[string]ToolSignature
	mapper      *OutputMapper
	transformer *DataTransformer
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	t := NewDataTransformer()
	return &Chain{
		signatures:  make(map[string]ToolSignature),
		mapper:      NewOutputMapper(t),
		transformer: t,
	}
}

// NewStandardChain creates a chain preloaded with the builtin signatures and mappings.
func NewStandardChain() *Chain {
	c := NewChain()
	for _, sig := range StandardSignatures() {
		c.Register(sig)
	}
	for _, mp := range StandardMappings() {
		// The standard mappings only use builtin transforms.
		_ = c.mapper.AddMapping(mp)
	}
	return c
}

// Register adds or replaces a tool signature.
func (c *Chain) Register(sig ToolSignature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signatures[sig.Name] = sig
}

// AddMapping registers a field route between two tools.
func (c *Chain) AddMapping(mp Mapping) error {
	return c.mapper.AddMapping(mp)
}

// Transformer exposes the transform registry for custom registrations.
func (c *Chain) Transformer() *DataTransformer { return c.transformer }

// Signature returns the signature of a registered tool.
func (c *Chain) Signature(name string) (ToolSignature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sig, ok := c.signatures[name]
	return sig, ok
}

// Tools returns the sorted names of every registered tool.
func (c *Chain) Tools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.signatures))
	for n := range c.signatures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateChain checks that every tool in the sequence is known and that each
// tool's required inputs can be fed by the previous tool, either through a
// registered mapping or through an output of the same name. The first tool
// must be runnable on its own or with explicit inputs, so it is not checked.
func (c *Chain) ValidateChain(tools []string) error {
	if len(tools) == 0 {
		return errors.New("empty tool chain")
	}
	var errs []error
	for i, name := range tools {
		sig, ok := c.Signature(name)
		if !ok {
			errs = append(errs, fmt.Errorf("step %d: unknown tool %q", i+1, name))
			continue
		}
		if i == 0 {
			continue
		}
		prev, ok := c.Signature(tools[i-1])
		if !ok {
			continue
		}
		provided := c.providedFields(prev, name)
		var missing []string
		for _, req := range sig.RequiredInputs() {
			if !provided[req] {
				missing = append(missing, req)
			}
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("step %d: %s -> %s leaves required inputs unsatisfied: %s",
				i+1, prev.Name, name, strings.Join(missing, ", ")))
		}
	}
	return errors.Join(errs...)
}

// providedFields is the set of target input names that prev can supply.
func (c *Chain) providedFields(prev ToolSignature, target string) map[string]bool {
	provided := make(map[string]bool)
	c.mapper.mu.RLock()
	for _, mp := range c.mapper.mappings[prev.Name][target] {
		provided[mp.TargetField] = true
	}
	c.mapper.mu.RUnlock()
	if len(provided) == 0 {
		for _, out := range prev.Outputs {
			provided[out.Name] = true
		}
	}
	return provided
}

// CompositeSignature describes a whole sequence as a single tool: the inputs are
// those of the first tool plus any required input of a later tool that its
// predecessor cannot supply, and the outputs are those of the last tool.
func (c *Chain) CompositeSignature(tools []string) (ToolSignature, error) {
	if err := c.ValidateChain(tools); err != nil {
		return ToolSignature{}, err
	}
	first, _ := c.Signature(tools[0])
	last, _ := c.Signature(tools[len(tools)-1])

	comp := ToolSignature{
		Name:        strings.Join(tools, "+"),
		Description: "Chain: " + strings.Join(tools, " -> "),
		Inputs:      append([]IOSchema(nil), first.Inputs...),
		Outputs:     append([]IOSchema(nil), last.Outputs...),
	}
	seen := make(map[string]bool)
	for _, in := range comp.Inputs {
		seen[in.Name] = true
	}
	for i := 1; i < len(tools); i++ {
		sig, _ := c.Signature(tools[i])
		prev, _ := c.Signature(tools[i-1])
		provided := c.providedFields(prev, sig.Name)
		for _, in := range sig.Inputs {
			if !provided[in.Name] && !seen[in.Name] {
				in.Required = false
				comp.Inputs = append(comp.Inputs, in)
				seen[in.Name] = true
			}
		}
	}
	tagSet := make(map[string]bool)
	for _, name := range tools {
		sig, _ := c.Signature(name)
		for _, t := range sig.Tags {
			tagSet[t] = true
		}
		comp.NonIdempotent = comp.NonIdempotent || sig.NonIdempotent
	}
	for t := range tagSet {
		comp.Tags = append(comp.Tags, t)
	}
	sort.Strings(comp.Tags)
	return comp, nil
}

// MapInputs computes the inputs a target tool receives from the outputs of its
// upstream steps. Upstreams are applied in order, so later ones win on
// conflicts. Unmapped pairs pass through only the fields the target declares
// as inputs. Upstreams without a tool (query, condition) are ignored, and so
// is a target without a registered signature.
func (c *Chain) MapInputs(target string, upstream []schemas.UpstreamOutput) map[string]any {
	sig, ok := c.Signature(target)
	if !ok {
		return nil
	}
	declared := make(map[string]bool, len(sig.Inputs))
	for _, in := range sig.Inputs {
		declared[in.Name] = true
	}

	out := make(map[string]any)
	for _, up := range upstream {
		if up.Tool == "" || up.Tool == schemas.UnknownTool || len(up.Output) == 0 {
			continue
		}
		mapped, _ := c.mapper.MapOutputs(up.Tool, target, up.Output)
		explicit := c.mapper.HasMapping(up.Tool, target)
		for _, k := range sortedKeys(mapped) {
			if explicit || declared[k] {
				out[k] = mapped[k]
			}
		}
	}
	return out
}
