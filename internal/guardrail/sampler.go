package guardrail

// Usage is a point-in-time sample of process resource usage.
type Usage struct {
	MemoryMB   float64 `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	OpenFiles  int     `json:"open_files"`
}

// Sampler reads the resource usage of the current process. Implementations
// must be safe for concurrent use.
type Sampler interface {
	Sample() (Usage, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() (Usage, error)

func (f SamplerFunc) Sample() (Usage, error) { return f() }
