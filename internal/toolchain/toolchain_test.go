package toolchain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

func TestIOSchemaValidate(t *testing.T) {
	pct := Field("usage_percent", TypeNumber, "").Between(0, 100)

	tests := []struct {
		name    string
		schema  IOSchema
		value   any
		wantErr string
	}{
		{"number in range", pct, 42, ""},
		{"float in range", pct, 99.5, ""},
		{"below min", pct, -1, "below minimum"},
		{"above max", pct, 101.0, "above maximum"},
		{"wrong type", pct, "42", "expected number"},
		{"required missing", pct, nil, "required"},
		{"optional missing", Optional("x", TypeString, "d", ""), nil, ""},
		{"pattern anchored at start", IOSchema{Name: "p", Type: TypeString, Constraints: Constraints{Pattern: "[0-9]+h"}}, "24h", ""},
		{"pattern no prefix match", IOSchema{Name: "p", Type: TypeString, Constraints: Constraints{Pattern: "[0-9]+h"}}, "last 24h", "does not match"},
		{"enum ok", IOSchema{Name: "s", Type: TypeString, Constraints: Constraints{Enum: []any{"a", "b"}}}, "b", ""},
		{"enum miss", IOSchema{Name: "s", Type: TypeString, Constraints: Constraints{Enum: []any{"a", "b"}}}, "c", "not one of"},
		{"numeric enum across types", IOSchema{Name: "n", Type: TypeNumber, Constraints: Constraints{Enum: []any{1, 2}}}, 2.0, ""},
		{"array of strings", Field("a", TypeArray, ""), []string{"x"}, ""},
		{"object", Field("o", TypeObject, ""), map[string]any{}, ""},
		{"empty file path", Field("f", TypeFilePath, ""), "", "expected file_path"},
		{"binary", Field("b", TypeBinary, ""), []byte("x"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate(tt.value)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToolSignatureValidateInputs(t *testing.T) {
	sig, ok := NewStandardChain().Signature(ToolLogFilter)
	require.True(t, ok)

	t.Run("defaults applied without mutating the caller map", func(t *testing.T) {
		in := map[string]any{"entries": []any{"a"}, "step_1_output": map[string]any{}}
		out, err := sig.ValidateInputs(in)
		require.NoError(t, err)
		assert.Equal(t, "error|warn", out["filter"])
		assert.Contains(t, out, "step_1_output")
		assert.NotContains(t, in, "filter")
	})

	t.Run("all problems reported", func(t *testing.T) {
		_, err := sig.ValidateInputs(map[string]any{"filter": 7})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entries: required")
		assert.Contains(t, err.Error(), "filter: expected string")
	})

	t.Run("outputs", func(t *testing.T) {
		assert.NoError(t, sig.ValidateOutputs(map[string]any{"filtered_entries": []any{}, "count": 0}))
		assert.Error(t, sig.ValidateOutputs(map[string]any{"count": 0}))
	})
}

func TestDataTransformer(t *testing.T) {
	tr := NewDataTransformer()

	obj, err := tr.Apply(TransformJSONToObject, `{"a":{"b":3}}`)
	require.NoError(t, err)
	field, err := tr.Apply(TransformExtractField, obj, "a.b")
	require.NoError(t, err)
	assert.EqualValues(t, 3, field)

	_, err = tr.Apply(TransformExtractField, obj, "a.c")
	assert.ErrorContains(t, err, `field "c" not found`)

	s, err := tr.Apply(TransformObjectToJSON, map[string]any{"k": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, s)

	n, err := tr.Apply(TransformStringToNum, " 42.5 ")
	require.NoError(t, err)
	assert.Equal(t, 42.5, n)

	ns, err := tr.Apply(TransformNumToString, 7)
	require.NoError(t, err)
	assert.Equal(t, "7", ns)

	joined, err := tr.Apply(TransformArrayToString, []any{"one", map[string]any{"msg": "two"}, 3})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n3", joined)

	split, err := tr.Apply(TransformStringToArray, "a, b,,c", ",")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, split)

	merged, err := tr.Apply(TransformMergeObjects, map[string]any{"a": 1, "b": 1}, map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, merged)

	filtered, err := tr.Apply(TransformFilterArray, []string{"ERROR disk", "info ok"}, "error")
	require.NoError(t, err)
	assert.Equal(t, []any{"ERROR disk"}, filtered)

	_, err = tr.Apply("rot13", "x")
	assert.ErrorContains(t, err, "unknown transform")

	tr.Register("upper", func(data any, _ ...any) (any, error) { return "UP", nil })
	up, err := tr.Apply("upper", "x")
	require.NoError(t, err)
	assert.Equal(t, "UP", up)
}

func TestOutputMapper(t *testing.T) {
	m := NewOutputMapper(nil)
	require.NoError(t, m.AddMapping(Mapping{SourceTool: "a", SourceField: "x", TargetTool: "b", TargetField: "y", Transform: TransformNumToString}))
	assert.Error(t, m.AddMapping(Mapping{SourceTool: "a", SourceField: "x", TargetTool: "b", TargetField: "y", Transform: "nope"}))

	out, err := m.MapOutputs("a", "b", map[string]any{"x": 5, "z": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"y": "5"}, out)

	out, err = m.MapOutputs("a", "c", map[string]any{"x": 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 5}, out, "unmapped pairs pass through")

	_, err = m.MapOutputs("a", "b", map[string]any{"z": 1})
	assert.ErrorContains(t, err, "x missing from a output")
}

func TestChainValidateChain(t *testing.T) {
	c := NewStandardChain()

	assert.NoError(t, c.ValidateChain([]string{ToolLogFetch, ToolLogFilter, ToolLLMSummarize}))
	assert.NoError(t, c.ValidateChain([]string{ToolMemoryCheck, ToolMemoryClean}))

	err := c.ValidateChain([]string{ToolMemoryCheck, ToolLogFilter})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entries")

	err = c.ValidateChain([]string{ToolLogFetch, "teleport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tool "teleport"`)

	assert.Error(t, c.ValidateChain(nil))
}

func TestChainCompositeSignature(t *testing.T) {
	c := NewStandardChain()
	comp, err := c.CompositeSignature([]string{ToolLogFetch, ToolLogFilter, ToolLLMSummarize})
	require.NoError(t, err)

	assert.Equal(t, "log_fetch+log_filter+llm_summarize", comp.Name)
	var inputs []string
	for _, in := range comp.Inputs {
		inputs = append(inputs, in.Name)
	}
	if diff := cmp.Diff([]string{"time_range", "filter", "max_length"}, inputs); diff != "" {
		t.Errorf("composite inputs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"summary", "key_points"}, comp.OutputNames())
	assert.Contains(t, comp.Tags, "logs")
	assert.False(t, comp.NonIdempotent)
}

func TestChainMapInputs(t *testing.T) {
	c := NewStandardChain()

	t.Run("registered mapping with transform", func(t *testing.T) {
		got := c.MapInputs(ToolLLMSummarize, []schemas.UpstreamOutput{{
			StepID: "step_2", Tool: ToolLogFilter,
			Output: map[string]any{"filtered_entries": []any{"e1", "e2"}, "count": 2},
		}})
		assert.Equal(t, map[string]any{"content": "e1\ne2"}, got)
	})

	t.Run("pass-through limited to declared inputs", func(t *testing.T) {
		got := c.MapInputs(ToolAlertSend, []schemas.UpstreamOutput{{
			Tool: ToolCPUMonitor, Output: map[string]any{"cpu_percent": 95.0, "message": "hot"},
		}})
		assert.Equal(t, map[string]any{"message": "hot"}, got)
	})

	t.Run("toolless upstream ignored", func(t *testing.T) {
		got := c.MapInputs(ToolMemoryClean, []schemas.UpstreamOutput{{
			StepID: "step_2", Output: map[string]any{"condition_met": true},
		}})
		assert.Empty(t, got)
	})

	t.Run("unknown target", func(t *testing.T) {
		assert.Nil(t, c.MapInputs("teleport", nil))
	})
}
