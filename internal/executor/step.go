package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
	"github.com/xkilldash9x/sentient-cli/internal/toolchain"
)

// Condition defaults.
const (
	DefaultConditionField     = "usage_percent"
	DefaultConditionOperator  = ">"
	DefaultConditionThreshold = 80.0
)

// stepJob is everything a step goroutine may read. It is built by the
// scheduler and never shared with it afterwards.
type stepJob struct {
	step     schemas.PlanStep
	snapshot map[string]any
	upstream []schemas.UpstreamOutput
	last     map[string]any
	traceID  string
	runID    string
	planID   string
}

// runStep executes one step and always returns a terminal result. The trace
// record is emitted before it returns.
func (e *Executor) runStep(ctx context.Context, job stepJob) (res schemas.StepResult) {
	start := e.now()
	res = schemas.StepResult{
		StepID:     job.step.StepID,
		Status:     schemas.StatusRunning,
		StartTime:  start,
		RetryCount: job.step.Attempt,
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Step panicked.", zap.String("step_id", job.step.StepID), zap.Any("panic", r))
			res.Status = schemas.StatusFailed
			res.Code = schemas.CodePanic
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.EndTime = e.now()
		res.DurationMS = res.EndTime.Sub(start).Milliseconds()
		e.trace(job, res)
	}()

	switch job.step.ActionType {
	case schemas.ActionExecute:
		e.executeStep(ctx, job, &res)
	case schemas.ActionQuery:
		e.queryStep(ctx, job, &res)
	case schemas.ActionCondition:
		evaluateCondition(job, &res)
	case schemas.ActionStop:
		res.Status = schemas.StatusSuccess
	case schemas.ActionLoop, schemas.ActionParallel:
		res.Status = schemas.StatusSkipped
		res.Code = schemas.CodeUnsupported
		res.Error = "unsupported action type"
	default:
		res.Status = schemas.StatusSkipped
		res.Code = schemas.CodeUnsupported
		res.Error = fmt.Sprintf("unknown action type %q", job.step.ActionType)
	}
	return res
}

func (e *Executor) executeStep(ctx context.Context, job stepJob, res *schemas.StepResult) {
	if e.selector == nil || e.tools == nil {
		fail(res, schemas.CodeToolSelection, "no tool selector or tool executor configured")
		return
	}
	choice, err := e.selector.SelectTool(ctx, job.step, job.snapshot)
	if err != nil {
		fail(res, schemas.CodeToolSelection, "tool selection: "+err.Error())
		return
	}
	conf := choice.Confidence
	res.ToolUsed = choice.Tool
	res.Confidence = &conf
	if conf < e.cfg.MinToolConfidence || choice.Tool == "" || choice.Tool == schemas.UnknownTool {
		fail(res, schemas.CodeNoSuitableTool, fmt.Sprintf("no suitable tool found (confidence: %.2f)", conf))
		return
	}

	inputs := e.buildInputs(job, choice.Tool)
	if e.guard != nil {
		if ok, violations := e.guard.ValidateOperation(string(job.step.ActionType), choice.Tool, inputs); !ok {
			fail(res, schemas.CodeBlocked, "blocked by guardrails: "+haltMessages(violations))
			return
		}
	}

	out, err := e.invoke(ctx, job.step, func(ctx context.Context) (map[string]any, error) {
		return e.tools.ExecuteTool(ctx, choice.Tool, inputs)
	})
	settle(res, out, err, schemas.CodeToolError)
}

func (e *Executor) queryStep(ctx context.Context, job stepJob, res *schemas.StepResult) {
	if e.resolver == nil {
		// No analysis capability wired: the query is reported as a stub success.
		res.Status = schemas.StatusSuccess
		res.Output = map[string]any{"stub": true, "description": job.step.Description}
		return
	}
	res.ToolUsed = job.step.ToolHint
	inputs := e.buildInputs(job, job.step.ToolHint)
	out, err := e.invoke(ctx, job.step, func(ctx context.Context) (map[string]any, error) {
		return e.resolver.Resolve(ctx, job.step, inputs)
	})
	settle(res, out, err, schemas.CodeQueryError)
}

// invoke runs fn under the per-attempt timeout. fn runs in its own goroutine so
// a call that ignores its context cannot hold the step past the deadline.
func (e *Executor) invoke(ctx context.Context, step schemas.PlanStep, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	timeout := e.cfg.StepTimeout
	if e.adapter != nil {
		timeout = e.adapter.AdaptTimeout(step.StepID, timeout)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		out map[string]any
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := fn(callCtx)
		ch <- reply{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && callCtx.Err() != nil {
			return nil, timeoutOrCancel(ctx, callCtx, timeout)
		}
		return r.out, r.err
	case <-callCtx.Done():
		return nil, timeoutOrCancel(ctx, callCtx, timeout)
	}
}

type timeoutError struct{ after string }

func (t timeoutError) Error() string { return "step timed out after " + t.after }

func timeoutOrCancel(parent, call context.Context, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return timeoutError{after: timeout.String()}
	}
	return call.Err()
}

// settle converts a call outcome into the step status.
func settle(res *schemas.StepResult, out map[string]any, err error, code schemas.ErrorCode) {
	var te timeoutError
	switch {
	case err == nil:
		res.Status = schemas.StatusSuccess
		res.Output = out
	case errors.As(err, &te):
		res.Status = schemas.StatusTimeout
		res.Code = schemas.CodeTimeout
		res.Error = te.Error()
	case errors.Is(err, context.Canceled):
		fail(res, schemas.CodeCancelled, err.Error())
	default:
		fail(res, code, err.Error())
	}
}

func fail(res *schemas.StepResult, code schemas.ErrorCode, msg string) {
	res.Status = schemas.StatusFailed
	res.Code = code
	res.Error = msg
}

// buildInputs merges, lowest precedence first: fields mapped through the tool
// chain, the step's own inputs, then "<dep>_output" entries for every direct
// dependency.
func (e *Executor) buildInputs(job stepJob, tool string) map[string]any {
	inputs := make(map[string]any, len(job.step.Inputs)+len(job.upstream))
	if e.chain != nil && tool != "" {
		// MapInputs lets later upstreams win; the most recent output should.
		oldestFirst := slices.Clone(job.upstream)
		slices.Reverse(oldestFirst)
		maps.Copy(inputs, e.chain.MapInputs(tool, oldestFirst))
	}
	maps.Copy(inputs, job.step.Inputs)
	for _, u := range job.upstream {
		inputs[u.StepID+"_output"] = u.Output
	}
	return inputs
}

func haltMessages(vs []schemas.Violation) string {
	var msgs []string
	for _, v := range vs {
		if v.ShouldHalt() {
			msgs = append(msgs, v.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// evaluateCondition compares a numeric field of an earlier output against a
// threshold. The step succeeds either way; condition_met tells the scheduler
// whether dependents may run.
func evaluateCondition(job stepJob, res *schemas.StepResult) {
	in := job.step.Inputs
	field := stringInput(in, "field", DefaultConditionField)
	op := stringInput(in, "operator", DefaultConditionOperator)

	threshold := DefaultConditionThreshold
	for _, key := range []string{"threshold", "memory_threshold"} {
		if raw, ok := in[key]; ok {
			f, ok := toolchain.AsFloat(raw)
			if !ok {
				fail(res, schemas.CodeConditionInvalid, fmt.Sprintf("%s is not numeric: %v", key, raw))
				return
			}
			threshold = f
			break
		}
	}

	raw, found := lookupField(job, field)
	if !found {
		fail(res, schemas.CodeConditionInvalid, fmt.Sprintf("field %q not found in prior outputs", field))
		return
	}
	value, ok := toolchain.AsFloat(raw)
	if !ok {
		fail(res, schemas.CodeConditionInvalid, fmt.Sprintf("field %q is not numeric: %v", field, raw))
		return
	}
	met, err := compare(value, op, threshold)
	if err != nil {
		fail(res, schemas.CodeConditionInvalid, err.Error())
		return
	}

	res.Status = schemas.StatusSuccess
	res.Output = map[string]any{
		"condition_met": met,
		"value":         value,
		"threshold":     threshold,
		"field":         field,
		"operator":      op,
	}
}

// lookupField searches dependency outputs (most recent first), then outputs
// carried in as "<dep>_output" inputs, then the last completed output.
func lookupField(job stepJob, field string) (any, bool) {
	for _, u := range job.upstream {
		if v, ok := u.Output[field]; ok {
			return v, true
		}
	}
	for _, key := range slices.Sorted(maps.Keys(job.step.Inputs)) {
		if !strings.HasSuffix(key, "_output") {
			continue
		}
		if carried, ok := job.step.Inputs[key].(map[string]any); ok {
			if v, ok := carried[field]; ok {
				return v, true
			}
		}
	}
	if v, ok := job.last[field]; ok {
		return v, true
	}
	return nil, false
}

func compare(v float64, op string, t float64) (bool, error) {
	switch op {
	case ">":
		return v > t, nil
	case ">=":
		return v >= t, nil
	case "<":
		return v < t, nil
	case "<=":
		return v <= t, nil
	case "==":
		return v == t, nil
	case "!=":
		return v != t, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func stringInput(in map[string]any, key, def string) string {
	if s, ok := in[key].(string); ok && s != "" {
		return s
	}
	return def
}
