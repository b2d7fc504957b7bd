package toolchain

import (
	"fmt"
	"sync"
)

// Mapping routes one output field of a source tool to an input field of a
// target tool, optionally through a transform.
type Mapping struct {
	SourceTool  string
	SourceField string
	TargetTool  string
	TargetField string
	Transform   string
	Args        []any
}

// OutputMapper holds the mappings between tool outputs and tool inputs.
type OutputMapper struct {
	mu          sync.RWMutex
	transformer *DataTransformer
	// keyed by source tool, then target tool
	mappings map[string]map[string][]Mapping
}

// NewOutputMapper creates an empty mapper using the given transformer.
func NewOutputMapper(t *DataTransformer) *OutputMapper {
	if t == nil {
		t = NewDataTransformer()
	}
	return &OutputMapper{transformer: t, mappings: make(map[string]map[string][]Mapping)}
}

// AddMapping registers a field mapping. The transform must already exist.
func (m *OutputMapper) AddMapping(mp Mapping) error {
	if mp.SourceTool == "" || mp.TargetTool == "" || mp.SourceField == "" || mp.TargetField == "" {
		return fmt.Errorf("mapping requires source and target tool and field")
	}
	if mp.Transform != "" && !m.transformer.Has(mp.Transform) {
		return fmt.Errorf("mapping %s.%s -> %s.%s: unknown transform %q",
			mp.SourceTool, mp.SourceField, mp.TargetTool, mp.TargetField, mp.Transform)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mappings[mp.SourceTool] == nil {
		m.mappings[mp.SourceTool] = make(map[string][]Mapping)
	}
	m.mappings[mp.SourceTool][mp.TargetTool] = append(m.mappings[mp.SourceTool][mp.TargetTool], mp)
	return nil
}

// HasMapping reports whether any mapping connects source to target.
func (m *OutputMapper) HasMapping(source, target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings[source][target]) > 0
}

// MapOutputs converts a source tool's outputs into inputs for the target tool.
// When no mapping is registered every output is passed through under its own
// name. Fields missing from the outputs or failing their transform are skipped
// and reported together in the returned error; the successfully mapped fields
// are still returned.
func (m *OutputMapper) MapOutputs(source, target string, outputs map[string]any) (map[string]any, error) {
	m.mu.RLock()
	mappings := m.mappings[source][target]
	m.mu.RUnlock()

	if len(mappings) == 0 {
		out := make(map[string]any, len(outputs))
		for k, v := range outputs {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]any, len(mappings))
	var problems []string
	for _, mp := range mappings {
		v, ok := outputs[mp.SourceField]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s missing from %s output", mp.SourceField, source))
			continue
		}
		if mp.Transform != "" {
			tv, err := m.transformer.Apply(mp.Transform, v, mp.Args...)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s -> %s: %v", mp.SourceField, mp.TargetField, err))
				continue
			}
			v = tv
		}
		out[mp.TargetField] = v
	}
	if len(problems) > 0 {
		return out, fmt.Errorf("mapping %s -> %s: %v", source, target, problems)
	}
	return out, nil
}
