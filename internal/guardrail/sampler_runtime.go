package guardrail

import "runtime"

// runtimeSample is the portable fallback: memory obtained from the OS by the Go
// runtime, no CPU or descriptor information.
func runtimeSample() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Usage{MemoryMB: float64(ms.Sys) / (1024 * 1024)}
}
