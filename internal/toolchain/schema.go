package toolchain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// DataType is the declared type of a tool input or output.
type DataType string

const (
	TypeString   DataType = "string"
	TypeNumber   DataType = "number"
	TypeBoolean  DataType = "boolean"
	TypeObject   DataType = "object"
	TypeArray    DataType = "array"
	TypeFilePath DataType = "file_path"
	TypeJSON     DataType = "json"
	TypeBinary   DataType = "binary"
)

// Constraints narrow the accepted values of a field. Min and Max apply to numbers,
// Pattern to strings (anchored at the start), Enum to any comparable value.
type Constraints struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Enum    []any    `json:"enum,omitempty"`
}

// IOSchema describes one named input or output of a tool.
type IOSchema struct {
	Name        string      `json:"name"`
	Type        DataType    `json:"type"`
	Required    bool        `json:"required"`
	Description string      `json:"description,omitempty"`
	Default     any         `json:"default,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
}

// Field builds a required IOSchema.
func Field(name string, t DataType, description string) IOSchema {
	return IOSchema{Name: name, Type: t, Required: true, Description: description}
}

// Optional builds an optional IOSchema with a default value.
func Optional(name string, t DataType, def any, description string) IOSchema {
	return IOSchema{Name: name, Type: t, Default: def, Description: description}
}

// Between returns a copy of the schema constrained to [lo, hi].
func (s IOSchema) Between(lo, hi float64) IOSchema {
	s.Constraints.Min = &lo
	s.Constraints.Max = &hi
	return s
}

var patternCache sync.Map // string -> *regexp.Regexp

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + p + ")")
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}

// Validate checks a value against the schema. A nil value is accepted only for
// optional fields.
func (s IOSchema) Validate(value any) error {
	if value == nil {
		if s.Required {
			return fmt.Errorf("%s: required", s.Name)
		}
		return nil
	}

	if !s.Type.accepts(value) {
		return fmt.Errorf("%s: expected %s, got %T", s.Name, s.Type, value)
	}

	if s.Constraints.Min != nil || s.Constraints.Max != nil {
		if n, ok := AsFloat(value); ok {
			if s.Constraints.Min != nil && n < *s.Constraints.Min {
				return fmt.Errorf("%s: %v is below minimum %v", s.Name, n, *s.Constraints.Min)
			}
			if s.Constraints.Max != nil && n > *s.Constraints.Max {
				return fmt.Errorf("%s: %v is above maximum %v", s.Name, n, *s.Constraints.Max)
			}
		}
	}

	if str, ok := value.(string); ok && s.Constraints.Pattern != "" {
		re, err := compilePattern(s.Constraints.Pattern)
		if err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", s.Name, s.Constraints.Pattern, err)
		}
		if !re.MatchString(str) {
			return fmt.Errorf("%s: %q does not match %q", s.Name, str, s.Constraints.Pattern)
		}
	}

	if len(s.Constraints.Enum) > 0 && !inEnum(value, s.Constraints.Enum) {
		return fmt.Errorf("%s: %v is not one of %v", s.Name, value, s.Constraints.Enum)
	}
	return nil
}

func (t DataType) accepts(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := AsFloat(v)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		return isArray(v)
	case TypeFilePath:
		s, ok := v.(string)
		return ok && s != ""
	case TypeJSON:
		_, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
		return err == nil
	case TypeBinary:
		_, ok := v.([]byte)
		return ok
	}
	return false
}

// AsFloat converts any Go numeric value to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case jsoniter.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isArray(v any) bool {
	switch v.(type) {
	case []any, []string, []map[string]any, []float64, []int:
		return true
	}
	return false
}

func inEnum(v any, enum []any) bool {
	vf, vIsNum := AsFloat(v)
	for _, candidate := range enum {
		if cf, ok := AsFloat(candidate); ok && vIsNum {
			if cf == vf {
				return true
			}
			continue
		}
		if candidate == v {
			return true
		}
	}
	return false
}

// ToolSignature is the complete I/O contract of a tool.
type ToolSignature struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Inputs      []IOSchema `json:"inputs"`
	Outputs     []IOSchema `json:"outputs"`
	Tags        []string   `json:"tags,omitempty"`
	// NonIdempotent marks tools that must not be blindly retried.
	NonIdempotent bool `json:"non_idempotent,omitempty"`
}

// RequiredInputs returns the names of required inputs.
func (s ToolSignature) RequiredInputs() []string {
	var out []string
	for _, in := range s.Inputs {
		if in.Required {
			out = append(out, in.Name)
		}
	}
	return out
}

// OutputNames returns the names of all declared outputs.
func (s ToolSignature) OutputNames() []string {
	out := make([]string, 0, len(s.Outputs))
	for _, o := range s.Outputs {
		out = append(out, o.Name)
	}
	return out
}

// ValidateInputs returns a copy of inputs with defaults applied, or an error that
// lists every offending field. Undeclared keys (such as chained dependency
// outputs) are passed through untouched.
func (s ToolSignature) ValidateInputs(inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+len(s.Inputs))
	for k, v := range inputs {
		out[k] = v
	}
	var errs []error
	for _, schema := range s.Inputs {
		v, ok := out[schema.Name]
		if (!ok || v == nil) && schema.Default != nil {
			out[schema.Name] = schema.Default
			continue
		}
		if err := schema.Validate(v); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid inputs for %s: %w", s.Name, errors.Join(errs...))
	}
	return out, nil
}

// ValidateOutputs checks a tool result against the declared outputs.
func (s ToolSignature) ValidateOutputs(outputs map[string]any) error {
	var errs []error
	for _, schema := range s.Outputs {
		if err := schema.Validate(outputs[schema.Name]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid outputs from %s: %w", s.Name, errors.Join(errs...))
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
