// internal/tools/builtins.go
package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BuiltinOptions configures the builtin tool set.
type BuiltinOptions struct {
	// LogSource is the JSON-lines file read by log_fetch.
	LogSource     string
	MaxLogEntries int
	// LLM backs llm_summarize. Nil selects an extractive summary.
	LLM    schemas.LLMClient
	Logger *zap.Logger
}

// RegisterBuiltins registers every builtin tool on the registry.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r.Register(&MemoryCheck{MemInfoPath: "/proc/meminfo"})
	r.Register(&MemoryClean{MemInfoPath: "/proc/meminfo"})
	r.Register(&DiskCheck{})
	r.Register(&CPUMonitor{LoadAvgPath: "/proc/loadavg"})
	r.Register(&LogFetch{Path: opts.LogSource, MaxEntries: opts.MaxLogEntries})
	r.Register(&LogFilter{})
	r.Register(&LLMSummarize{LLM: opts.LLM})
	r.Register(&AlertSend{Logger: logger.Named("alert")})
}

func standardSignature(name string) toolchain.ToolSignature {
	for _, sig := range toolchain.StandardSignatures() {
		if sig.Name == name {
			return sig
		}
	}
	return toolchain.ToolSignature{Name: name}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// -- Memory --

type memStats struct {
	totalMB, availableMB float64
}

// readMemInfo parses MemTotal and MemAvailable from a meminfo file. When the
// file is unavailable the Go runtime's own view is used instead.
func readMemInfo(path string) memStats {
	f, err := os.Open(path)
	if err != nil {
		return runtimeMemStats()
	}
	defer f.Close()

	var st memStats
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			st.totalMB = kb / 1024
		case "MemAvailable:":
			st.availableMB = kb / 1024
		}
	}
	if st.totalMB == 0 {
		return runtimeMemStats()
	}
	return st
}

func runtimeMemStats() memStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	total := float64(ms.Sys) / (1024 * 1024)
	used := float64(ms.HeapInuse+ms.StackInuse) / (1024 * 1024)
	return memStats{totalMB: total, availableMB: total - used}
}

// MemoryCheck reports system memory usage.
type MemoryCheck struct {
	MemInfoPath string
}

func (t *MemoryCheck) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolMemoryCheck)
}

func (t *MemoryCheck) Execute(ctx context.Context, _ map[string]any) (map[string]any, error) {
	st := readMemInfo(t.MemInfoPath)
	used := st.totalMB - st.availableMB
	pct := 0.0
	if st.totalMB > 0 {
		pct = used / st.totalMB * 100
	}
	return map[string]any{
		"total_memory":  round2(st.totalMB),
		"used_memory":   round2(used),
		"free_memory":   round2(st.availableMB),
		"usage_percent": round2(pct),
	}, nil
}

// MemoryClean returns freed heap pages to the operating system.
type MemoryClean struct {
	MemInfoPath string
}

func (t *MemoryClean) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolMemoryClean)
}

func (t *MemoryClean) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	freed := 0.0
	if after.HeapReleased > before.HeapReleased {
		freed = float64(after.HeapReleased-before.HeapReleased) / (1024 * 1024)
	}
	threshold, _ := toolchain.AsFloat(inputs["threshold"])
	return map[string]any{
		"freed_memory": round2(freed),
		"success":      true,
		"threshold":    threshold,
	}, nil
}

// -- CPU --

// CPUMonitor reports the one minute load average relative to the core count.
type CPUMonitor struct {
	LoadAvgPath string
}

func (t *CPUMonitor) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolCPUMonitor)
}

func (t *CPUMonitor) Execute(ctx context.Context, _ map[string]any) (map[string]any, error) {
	data, err := os.ReadFile(t.LoadAvgPath)
	if err != nil {
		return nil, fmt.Errorf("load average unavailable: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil, fmt.Errorf("malformed load average file %s", t.LoadAvgPath)
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parse load average: %w", err)
	}
	cores := runtime.NumCPU()
	pct := load / float64(cores) * 100
	if pct > 100 {
		pct = 100
	}
	return map[string]any{
		"load_1m":     load,
		"cores":       cores,
		"cpu_percent": round2(pct),
	}, nil
}

// -- Logs --

// LogFetch reads recent entries from a JSON-lines log file.
type LogFetch struct {
	Path       string
	MaxEntries int
	now        func() time.Time
}

func (t *LogFetch) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolLogFetch)
}

func (t *LogFetch) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	rangeStr, _ := inputs["time_range"].(string)
	window, err := time.ParseDuration(rangeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid time_range %q: %w", rangeStr, err)
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	cutoff := now().Add(-window)

	entries := []any{}
	f, err := os.Open(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"log_entries": entries, "count": 0}, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.UnmarshalFromString(line, &entry); err != nil {
			entries = append(entries, map[string]any{"msg": line})
			continue
		}
		if ts, ok := entry["ts"].(string); ok {
			if parsed, err := time.Parse("2006-01-02T15:04:05.000Z07:00", ts); err == nil && parsed.Before(cutoff) {
				continue
			}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", t.Path, err)
	}

	if t.MaxEntries > 0 && len(entries) > t.MaxEntries {
		entries = entries[len(entries)-t.MaxEntries:]
	}
	return map[string]any{"log_entries": entries, "count": len(entries)}, nil
}

// LogFilter keeps the entries matching a case-insensitive pattern. Structured
// entries are matched on their level and message.
type LogFilter struct{}

func (t *LogFilter) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolLogFilter)
}

func (t *LogFilter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	pattern, _ := inputs["filter"].(string)
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
	}
	items, err := toolchain.NewDataTransformer().Apply(toolchain.TransformFilterArray, inputs["entries"], func(item any) bool {
		return re.MatchString(entryText(item))
	})
	if err != nil {
		return nil, err
	}
	filtered := items.([]any)
	return map[string]any{"filtered_entries": filtered, "count": len(filtered)}, nil
}

func entryText(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]any:
		var parts []string
		for _, k := range []string{"level", "msg", "message", "error"} {
			if s, ok := v[k].(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
		s, _ := json.MarshalToString(v)
		return s
	}
	return fmt.Sprint(item)
}

// -- Summaries --

// LLMSummarize summarizes text with the configured model, or extractively when
// no model is configured.
type LLMSummarize struct {
	LLM schemas.LLMClient
}

func (t *LLMSummarize) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolLLMSummarize)
}

const summarizeSystemPrompt = `You summarize operational text for an on-call engineer.
Answer with a JSON object {"summary": string, "key_points": [string]} and nothing else.`

func (t *LLMSummarize) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	content, _ := inputs["content"].(string)
	maxLen := 500
	if n, ok := toolchain.AsFloat(inputs["max_length"]); ok && n > 0 {
		maxLen = int(n)
	}

	if t.LLM == nil {
		return extractiveSummary(content, maxLen), nil
	}

	raw, err := t.LLM.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: summarizeSystemPrompt,
		UserPrompt:   fmt.Sprintf("Summarize in at most %d characters:\n\n%s", maxLen, content),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	var parsed struct {
		Summary   string   `json:"summary"`
		KeyPoints []string `json:"key_points"`
	}
	if err := json.UnmarshalFromString(strings.TrimSpace(raw), &parsed); err != nil || parsed.Summary == "" {
		// Models do not always honour the JSON instruction; keep the prose.
		return map[string]any{"summary": truncate(strings.TrimSpace(raw), maxLen), "key_points": []any{}}, nil
	}
	points := make([]any, len(parsed.KeyPoints))
	for i, p := range parsed.KeyPoints {
		points[i] = p
	}
	return map[string]any{"summary": truncate(parsed.Summary, maxLen), "key_points": points}, nil
}

func extractiveSummary(content string, maxLen int) map[string]any {
	seen := make(map[string]bool)
	var points []any
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		if len(points) < 5 {
			points = append(points, line)
		}
	}
	if points == nil {
		points = []any{}
	}
	lines := len(strings.Split(strings.TrimSpace(content), "\n"))
	if strings.TrimSpace(content) == "" {
		lines = 0
	}
	summary := fmt.Sprintf("%d lines, %d distinct", lines, len(seen))
	if len(points) > 0 {
		summary += ": " + points[0].(string)
	}
	return map[string]any{"summary": truncate(summary, maxLen), "key_points": points}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// -- Alerts --

// AlertSend raises an operator alert as a warning log entry.
type AlertSend struct {
	Logger *zap.Logger
}

func (t *AlertSend) Signature() toolchain.ToolSignature {
	return standardSignature(toolchain.ToolAlertSend)
}

func (t *AlertSend) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	msg, _ := inputs["message"].(string)
	severity, _ := inputs["severity"].(string)
	id := uuid.NewString()

	fields := []zap.Field{zap.String("alert_id", id), zap.String("severity", severity)}
	for k, v := range inputs {
		if strings.HasSuffix(k, "_output") {
			fields = append(fields, zap.Any(k, v))
		}
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if severity == "critical" {
		logger.Error("ALERT: "+msg, fields...)
	} else {
		logger.Warn("ALERT: "+msg, fields...)
	}
	return map[string]any{"sent": true, "alert_id": id}, nil
}
