package planner

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	actionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(check|monitor|analyze|summarize|clean|send|alert|email|fetch|filter)\b`),
		regexp.MustCompile(`\b(read|write|execute|run|stop|start|restart)\b`),
	}
	targetPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(log|logs|error|errors|memory|cpu|disk|file|files)\b`),
		regexp.MustCompile(`\b(system|process|service|alert|notification)\b`),
	}
	conditionPattern = regexp.MustCompile(`\b(if|when|unless|until)\b`)
	// Numbers optionally followed by a percent sign, e.g. "90%" or "75.5".
	thresholdPattern = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*%?`)
)

// Analysis is the keyword decomposition of a goal. It drives the heuristic
// templates and is stored in the plan metadata.
type Analysis struct {
	Actions     []string  `json:"actions" yaml:"actions"`
	Targets     []string  `json:"targets" yaml:"targets"`
	Conditions  []string  `json:"conditions" yaml:"conditions"`
	Thresholds  []float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Conditional bool      `json:"conditional" yaml:"conditional"`

	text string
}

// Analyze extracts actions, targets, conditional keywords and numeric
// thresholds from a goal. Matching is case-insensitive and deterministic.
func Analyze(goal string) Analysis {
	lower := strings.ToLower(goal)
	a := Analysis{text: lower}
	for _, re := range actionPatterns {
		a.Actions = append(a.Actions, re.FindAllString(lower, -1)...)
	}
	for _, re := range targetPatterns {
		a.Targets = append(a.Targets, re.FindAllString(lower, -1)...)
	}
	a.Conditions = conditionPattern.FindAllString(lower, -1)
	a.Conditional = len(a.Conditions) > 0
	for _, m := range thresholdPattern.FindAllStringSubmatch(lower, -1) {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			a.Thresholds = append(a.Thresholds, f)
		}
	}
	return a
}

// HasAction reports whether any of the given action words was found.
func (a Analysis) HasAction(words ...string) bool {
	return containsAny(a.Actions, words)
}

// HasTarget reports whether any of the given target words was found.
func (a Analysis) HasTarget(words ...string) bool {
	return containsAny(a.Targets, words)
}

// Mentions reports whether the goal contains word as a whole word.
func (a Analysis) Mentions(word string) bool {
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(word)) + `\b`)
	return err == nil && re.MatchString(a.text)
}

// Threshold returns the first number in the goal, or def when there is none.
func (a Analysis) Threshold(def float64) float64 {
	if len(a.Thresholds) == 0 {
		return def
	}
	return a.Thresholds[0]
}

// Keywords is the deduplicated union of actions and targets in match order.
func (a Analysis) Keywords() []string {
	var out []string
	for _, w := range append(slices.Clone(a.Actions), a.Targets...) {
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

func (a Analysis) asMap() map[string]any {
	return map[string]any{
		"actions":     a.Actions,
		"targets":     a.Targets,
		"conditions":  a.Conditions,
		"thresholds":  a.Thresholds,
		"conditional": a.Conditional,
	}
}

func containsAny(haystack, needles []string) bool {
	for _, n := range needles {
		if slices.Contains(haystack, n) {
			return true
		}
	}
	return false
}
