//go:build !linux

package guardrail

// NewSampler returns the sampler for the current platform.
func NewSampler() Sampler {
	return SamplerFunc(func() (Usage, error) { return runtimeSample(), nil })
}
