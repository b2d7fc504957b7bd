package trace

import "github.com/xkilldash9x/sentient-cli/api/schemas"

type multiSink []schemas.TraceSink

// Multi fans every record out to each non-nil sink in order.
func Multi(sinks ...schemas.TraceSink) schemas.TraceSink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Nop{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiSink) RecordStep(rec schemas.StepTrace) {
	for _, s := range m {
		s.RecordStep(rec)
	}
}

func (m multiSink) RecordRun(rec schemas.RunTrace) {
	for _, s := range m {
		s.RecordRun(rec)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordStep(schemas.StepTrace) {}
func (Nop) RecordRun(schemas.RunTrace)   {}
