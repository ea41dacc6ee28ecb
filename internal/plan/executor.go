// ABOUTME: Runs a plan: calls tools in order and folds their list results with merge directives.
// ABOUTME: Binary merges wait for two operands; unsatisfied ones are dropped at the end.

package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNonListResult is returned when a tool call inside a plan yields something other than a list.
var ErrNonListResult = errors.New("tool result is not a list")

// ErrToolCall wraps a failed tool call.
var ErrToolCall = errors.New("tool call failed")

// DefaultIdentityKey is the record field merges match on.
const DefaultIdentityKey = "id"

// ToolCaller invokes one tool on the gateway.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// TraceEntry records what one step, or one deferred merge applied later, produced.
type TraceEntry struct {
	Step     int    `json:"step"`
	Tool     string `json:"tool,omitempty"`
	Merge    Op     `json:"merge,omitempty"`
	Deferred bool   `json:"deferred,omitempty"`
	Value    any    `json:"value"`
}

// Result is the outcome of a plan run.
type Result struct {
	// Final is the last logical value: a list of records or a count.
	Final any          `json:"final"`
	Trace []TraceEntry `json:"trace"`
	// Dropped lists binary merges that never had two operands.
	Dropped []Op `json:"dropped,omitempty"`
}

// Executor runs plans against a ToolCaller.
type Executor struct {
	caller      ToolCaller
	identityKey string
	logger      *slog.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Caller      ToolCaller
	IdentityKey string
	Logger      *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.IdentityKey
	if key == "" {
		key = DefaultIdentityKey
	}
	return &Executor{
		caller:      cfg.Caller,
		identityKey: key,
		logger:      logger.With("component", "plan"),
	}
}

type deferredOp struct {
	op   Op
	step int
}

// run holds the merge state of one execution.
type run struct {
	e       *Executor
	sets    [][]any
	pending []deferredOp
	last    any
	trace   []TraceEntry
}

// Run executes p. A failed tool call or a non-list tool result stops the plan.
func (e *Executor) Run(ctx context.Context, p *Plan) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r := &run{e: e}
	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if step.IsToolCall() {
			if err := r.callTool(ctx, i, step); err != nil {
				return nil, err
			}
			continue
		}

		if step.Merge == OpCount {
			r.count(i)
			continue
		}

		r.pending = append(r.pending, deferredOp{op: step.Merge, step: i})
		if !r.drain() {
			e.logger.Debug("merge deferred", "step", i, "op", step.Merge, "sets", len(r.sets))
			r.trace = append(r.trace, TraceEntry{Step: i, Merge: step.Merge, Deferred: true, Value: r.last})
		}
	}

	r.drain()
	res := &Result{Final: r.last, Trace: r.trace}
	for _, d := range r.pending {
		res.Dropped = append(res.Dropped, d.op)
		e.logger.Warn("dropping merge without two operands", "step", d.step, "op", d.op, "sets", len(r.sets))
	}
	return res, nil
}

func (r *run) callTool(ctx context.Context, i int, step Step) error {
	raw, err := r.e.caller.CallTool(ctx, step.Tool, step.Args)
	if err != nil {
		return fmt.Errorf("%w: step %d (%s): %w", ErrToolCall, i, step.Tool, err)
	}

	var value any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("step %d (%s): decoding result: %w", i, step.Tool, err)
		}
	}
	list, ok := value.([]any)
	if !ok {
		return fmt.Errorf("%w: step %d (%s) returned %T", ErrNonListResult, i, step.Tool, value)
	}

	r.sets = append(r.sets, list)
	r.last = list
	r.trace = append(r.trace, TraceEntry{Step: i, Tool: step.Tool, Value: list})
	r.drain()
	return nil
}

// drain applies queued binary merges while the head has two operands. It
// reports whether the queue emptied.
func (r *run) drain() bool {
	for len(r.pending) > 0 && len(r.sets) >= 2 {
		head := r.pending[0]
		r.pending = r.pending[1:]
		merged := r.apply(head)
		r.trace = append(r.trace, TraceEntry{Step: head.step, Merge: head.op, Value: merged})
	}
	return len(r.pending) == 0
}

func (r *run) apply(d deferredOp) []any {
	key := r.e.identityKey
	var merged []any
	switch d.op {
	case OpUnion:
		merged = Union(r.sets, key)
	case OpIntersect:
		merged = Intersect(r.sets, key)
	case OpDifference:
		if len(r.sets) > 2 {
			r.e.logger.Warn("difference uses the first two sets only", "step", d.step, "ignored", len(r.sets)-2)
		}
		merged = Difference(r.sets[0], r.sets[1], key)
	}
	r.sets = [][]any{merged}
	r.last = merged
	return merged
}

func (r *run) count(i int) {
	r.drain()

	n := 0
	if list, ok := r.last.([]any); ok {
		n = len(list)
	} else if len(r.sets) > 0 {
		n = len(r.sets[len(r.sets)-1])
	}
	r.last = n
	r.trace = append(r.trace, TraceEntry{Step: i, Merge: OpCount, Value: n})
}
