package toolchain

// Tool names of the builtin set.
const (
	ToolMemoryCheck  = "memory_check"
	ToolMemoryClean  = "memory_clean"
	ToolDiskCheck    = "disk_check"
	ToolCPUMonitor   = "cpu_monitor"
	ToolLogFetch     = "log_fetch"
	ToolLogFilter    = "log_filter"
	ToolLLMSummarize = "llm_summarize"
	ToolAlertSend    = "alert_send"
)

// StandardSignatures returns the I/O contracts of the builtin tools.
func StandardSignatures() []ToolSignature {
	return []ToolSignature{
		{
			Name:        ToolMemoryCheck,
			Description: "Report system memory usage",
			Outputs: []IOSchema{
				Field("total_memory", TypeNumber, "Total memory in MB"),
				Field("used_memory", TypeNumber, "Used memory in MB"),
				Field("free_memory", TypeNumber, "Available memory in MB"),
				Field("usage_percent", TypeNumber, "Memory usage percentage").Between(0, 100),
			},
			Tags: []string{"memory", "system", "monitoring"},
		},
		{
			Name:        ToolMemoryClean,
			Description: "Release cached memory when usage is above a threshold",
			Inputs: []IOSchema{
				Optional("threshold", TypeNumber, 80.0, "Usage percentage that triggers the cleanup").Between(0, 100),
			},
			Outputs: []IOSchema{
				Field("freed_memory", TypeNumber, "Memory released in MB"),
				Field("success", TypeBoolean, "Whether the cleanup ran"),
			},
			Tags:          []string{"memory", "maintenance"},
			NonIdempotent: true,
		},
		{
			Name:        ToolDiskCheck,
			Description: "Report disk usage of a mount point",
			Inputs: []IOSchema{
				Optional("path", TypeFilePath, "/", "Mount point to inspect"),
			},
			Outputs: []IOSchema{
				Field("total_gb", TypeNumber, "Filesystem size in GB"),
				Field("free_gb", TypeNumber, "Available space in GB"),
				Field("usage_percent", TypeNumber, "Disk usage percentage").Between(0, 100),
			},
			Tags: []string{"disk", "storage", "system", "monitoring"},
		},
		{
			Name:        ToolCPUMonitor,
			Description: "Report CPU load",
			Outputs: []IOSchema{
				Field("load_1m", TypeNumber, "One minute load average"),
				Field("cores", TypeNumber, "Logical CPU count"),
				Field("cpu_percent", TypeNumber, "Load relative to core count").Between(0, 100),
			},
			Tags: []string{"cpu", "system", "monitoring"},
		},
		{
			Name:        ToolLogFetch,
			Description: "Fetch recent log entries",
			Inputs: []IOSchema{
				Optional("time_range", TypeString, "24h", "How far back to read, as a duration"),
			},
			Outputs: []IOSchema{
				Field("log_entries", TypeArray, "Log entries"),
				Field("count", TypeNumber, "Number of entries"),
			},
			Tags: []string{"logs", "analysis"},
		},
		{
			Name:        ToolLogFilter,
			Description: "Filter log entries by pattern",
			Inputs: []IOSchema{
				Field("entries", TypeArray, "Entries to filter"),
				Optional("filter", TypeString, "error|warn", "Case-insensitive regular expression"),
			},
			Outputs: []IOSchema{
				Field("filtered_entries", TypeArray, "Matching entries"),
				Field("count", TypeNumber, "Number of matching entries"),
			},
			Tags: []string{"logs", "filter", "analysis"},
		},
		{
			Name:        ToolLLMSummarize,
			Description: "Summarize text content",
			Inputs: []IOSchema{
				Field("content", TypeString, "Text to summarize"),
				Optional("max_length", TypeNumber, 500.0, "Maximum summary length in characters"),
			},
			Outputs: []IOSchema{
				Field("summary", TypeString, "Summary"),
				Field("key_points", TypeArray, "Key points"),
			},
			Tags: []string{"llm", "summary", "analysis"},
		},
		{
			Name:        ToolAlertSend,
			Description: "Raise an operator alert",
			Inputs: []IOSchema{
				Optional("message", TypeString, "threshold exceeded", "Alert text"),
				{
					Name: "severity", Type: TypeString, Default: "warning",
					Description: "Alert severity",
					Constraints: Constraints{Enum: []any{"info", "warning", "critical"}},
				},
			},
			Outputs: []IOSchema{
				Field("sent", TypeBoolean, "Whether the alert was emitted"),
				Field("alert_id", TypeString, "Identifier of the alert"),
			},
			Tags:          []string{"alert", "notification"},
			NonIdempotent: true,
		},
	}
}

// StandardMappings returns the field routes between builtin tools.
func StandardMappings() []Mapping {
	return []Mapping{
		{SourceTool: ToolMemoryCheck, SourceField: "usage_percent", TargetTool: ToolMemoryClean, TargetField: "threshold"},
		{SourceTool: ToolLogFetch, SourceField: "log_entries", TargetTool: ToolLogFilter, TargetField: "entries"},
		{SourceTool: ToolLogFilter, SourceField: "filtered_entries", TargetTool: ToolLLMSummarize, TargetField: "content", Transform: TransformArrayToString},
		{SourceTool: ToolLogFetch, SourceField: "log_entries", TargetTool: ToolLLMSummarize, TargetField: "content", Transform: TransformArrayToString},
	}
}
