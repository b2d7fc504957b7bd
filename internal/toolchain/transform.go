package toolchain

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TransformFunc converts a value on its way from one tool to the next. Extra
// arguments are transform specific (a field name, a separator, a predicate).
type TransformFunc func(data any, args ...any) (any, error)

// Builtin transform names.
const (
	TransformJSONToObject  = "json_to_object"
	TransformObjectToJSON  = "object_to_json"
	TransformStringToNum   = "string_to_number"
	TransformNumToString   = "number_to_string"
	TransformArrayToString = "array_to_string"
	TransformStringToArray = "string_to_array"
	TransformExtractField  = "extract_field"
	TransformMergeObjects  = "merge_objects"
	TransformFilterArray   = "filter_array"
)

// DataTransformer is a named registry of TransformFuncs. Safe for concurrent use.
type DataTransformer struct {
	mu         sync.RWMutex
	transforms map[string]TransformFunc
}

// NewDataTransformer returns a transformer preloaded with the builtin transforms.
func NewDataTransformer() *DataTransformer {
	t := &DataTransformer{transforms: make(map[string]TransformFunc)}
	t.Register(TransformJSONToObject, jsonToObject)
	t.Register(TransformObjectToJSON, objectToJSON)
	t.Register(TransformStringToNum, stringToNumber)
	t.Register(TransformNumToString, numberToString)
	t.Register(TransformArrayToString, arrayToString)
	t.Register(TransformStringToArray, stringToArray)
	t.Register(TransformExtractField, extractField)
	t.Register(TransformMergeObjects, mergeObjects)
	t.Register(TransformFilterArray, filterArray)
	return t
}

// Register adds or replaces a named transform.
func (t *DataTransformer) Register(name string, fn TransformFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transforms[name] = fn
}

// Has reports whether a transform is registered.
func (t *DataTransformer) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.transforms[name]
	return ok
}

// Apply runs the named transform.
func (t *DataTransformer) Apply(name string, data any, args ...any) (any, error) {
	t.mu.RLock()
	fn, ok := t.transforms[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	out, err := fn(data, args...)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", name, err)
	}
	return out, nil
}

func jsonToObject(data any, _ ...any) (any, error) {
	s, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", data)
	}
	var out any
	if err := json.UnmarshalFromString(s, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func objectToJSON(data any, _ ...any) (any, error) {
	return json.MarshalToString(data)
}

func stringToNumber(data any, _ ...any) (any, error) {
	if n, ok := AsFloat(data); ok {
		return n, nil
	}
	s, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", data)
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func numberToString(data any, _ ...any) (any, error) {
	n, ok := AsFloat(data)
	if !ok {
		return nil, fmt.Errorf("expected number, got %T", data)
	}
	return strconv.FormatFloat(n, 'f', -1, 64), nil
}

// arrayToString joins items with a newline, or with args[0] when given.
func arrayToString(data any, args ...any) (any, error) {
	sep := "\n"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			sep = s
		}
	}
	items, err := toSlice(data)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			parts = append(parts, v)
		case map[string]any:
			// Log entries are rendered by their message when they have one.
			if msg, ok := v["msg"].(string); ok {
				parts = append(parts, msg)
				continue
			}
			if msg, ok := v["message"].(string); ok {
				parts = append(parts, msg)
				continue
			}
			s, _ := json.MarshalToString(v)
			parts = append(parts, s)
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, sep), nil
}

// stringToArray splits on newlines, or on args[0] when given. Empty parts are dropped.
func stringToArray(data any, args ...any) (any, error) {
	s, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", data)
	}
	sep := "\n"
	if len(args) > 0 {
		if v, ok := args[0].(string); ok && v != "" {
			sep = v
		}
	}
	var out []any
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

// extractField walks a dotted path (args[0]) through nested objects.
func extractField(data any, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("field path required")
	}
	path, ok := args[0].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("field path must be a non-empty string")
	}
	cur := data
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot descend into %T at %q", cur, key)
		}
		if cur, ok = obj[key]; !ok {
			return nil, fmt.Errorf("field %q not found", key)
		}
	}
	return cur, nil
}

// mergeObjects merges data with every object in args. Later keys win.
func mergeObjects(data any, args ...any) (any, error) {
	out := make(map[string]any)
	for _, src := range append([]any{data}, args...) {
		obj, ok := src.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", src)
		}
		for k, v := range obj {
			out[k] = v
		}
	}
	return out, nil
}

// filterArray keeps items matching args[0]: a func(any) bool, or a substring
// matched against the string form of each item.
func filterArray(data any, args ...any) (any, error) {
	items, err := toSlice(data)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return items, nil
	}
	var keep func(any) bool
	switch pred := args[0].(type) {
	case func(any) bool:
		keep = pred
	case string:
		needle := strings.ToLower(pred)
		keep = func(item any) bool {
			var s string
			if str, ok := item.(string); ok {
				s = str
			} else {
				s, _ = json.MarshalToString(item)
			}
			return strings.Contains(strings.ToLower(s), needle)
		}
	default:
		return nil, fmt.Errorf("unsupported predicate %T", args[0])
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func toSlice(data any) ([]any, error) {
	switch v := data.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected array, got %T", data)
}
