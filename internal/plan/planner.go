// ABOUTME: Planners that turn a natural-language question into a Plan.
// ABOUTME: Includes the rule-based planner, the LLM planner, and a fallback chain.

package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/2389/tool-relay/internal/registry"
)

// Planner produces a plan for a query. tools is the catalog the gateway offers.
type Planner interface {
	Plan(ctx context.Context, query string, tools []registry.Summary) (*Plan, error)
}

// School tool names the rule-based planner targets.
const (
	ToolStudentsByGrade   = "students.by_grade"
	ToolStudentsUnpaid    = "students.unpaid"
	ToolStudentsPartial   = "students.partial_paid"
	ToolStudentsFullyPaid = "students.fullpaid"
	ToolTeachersForGrade  = "teachers.for_grade"
)

var gradePattern = regexp.MustCompile(`(?:grade|class)\s*([0-9]+)`)

// RuleBased answers the common school questions without a model.
type RuleBased struct{}

// Plan implements Planner.
func (RuleBased) Plan(_ context.Context, query string, _ []registry.Summary) (*Plan, error) {
	q := strings.ToLower(query)

	grade := 0
	if m := gradePattern.FindStringSubmatch(q); m != nil {
		grade, _ = strconv.Atoi(m[1])
	}

	var steps []Step
	switch {
	case strings.Contains(q, "teacher"):
		if grade == 0 {
			return nil, fmt.Errorf("%w: teacher questions need a grade", ErrInvalidPlan)
		}
		steps = append(steps, Step{Tool: ToolTeachersForGrade, Args: map[string]any{"grade": grade}})
	default:
		predicate := ToolStudentsUnpaid
		switch {
		case strings.Contains(q, "partial"):
			predicate = ToolStudentsPartial
		case strings.Contains(q, "fully paid"), strings.Contains(q, "fullpaid"), strings.Contains(q, "paid in full"):
			predicate = ToolStudentsFullyPaid
		}
		if grade > 0 {
			steps = append(steps,
				Step{Tool: ToolStudentsByGrade, Args: map[string]any{"grade": grade}},
				Step{Tool: predicate, Args: map[string]any{}},
				Step{Merge: OpIntersect},
			)
		} else {
			steps = append(steps, Step{Tool: predicate, Args: map[string]any{}})
		}
	}

	if wantsCount(q) {
		steps = append(steps, Step{Merge: OpCount})
	}
	return &Plan{Steps: steps}, nil
}

func wantsCount(q string) bool {
	for _, prefix := range []string{"how many", "count", "number of", "total"} {
		if strings.Contains(q, prefix) {
			return true
		}
	}
	return false
}

// Completer sends one system+user prompt to a language model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLM plans with a language model.
type LLM struct {
	completer Completer
	logger    *slog.Logger
}

// NewLLM creates a planner over completer.
func NewLLM(completer Completer, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{completer: completer, logger: logger.With("component", "planner")}
}

const systemPrompt = `You are a deterministic planner. Given the user's request, output a JSON object ONLY, with no other text.
The object has a top-level "plan" key whose value is a list of steps. Each step is one of:
  {"tool": "<group.method>", "args": {...}}
  {"merge": "union"} | {"merge": "intersect"} | {"merge": "difference"}
  {"count": true}
Every tool result is a list of records. A merge combines the lists produced since the previous merge,
matching records by id. "count" replaces the current list with its length.
Use only the tool names listed below.

Example:
{"plan": [{"tool": "students.by_grade", "args": {"grade": 1}}, {"tool": "students.unpaid", "args": {}}, {"merge": "intersect"}, {"count": true}]}

Available tools:
`

// Plan implements Planner.
func (l *LLM) Plan(ctx context.Context, query string, tools []registry.Summary) (*Plan, error) {
	out, err := l.completer.Complete(ctx, systemPrompt+describeTools(tools), strings.TrimSpace(query))
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}
	p, err := Parse(out)
	if err != nil {
		l.logger.Debug("model output was not a plan", "output", out)
		return nil, err
	}
	return p, nil
}

func describeTools(tools []registry.Summary) string {
	sorted := append([]registry.Summary(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, t := range sorted {
		params, _ := json.Marshal(t.Params)
		fmt.Fprintf(&b, "- %s params=%s", t.Name, params)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Fallback tries each planner in order and returns the first valid plan.
type Fallback struct {
	Planners []Planner
	Logger   *slog.Logger
}

// Plan implements Planner.
func (f Fallback) Plan(ctx context.Context, query string, tools []registry.Summary) (*Plan, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for i, p := range f.Planners {
		result, err := p.Plan(ctx, query, tools)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < len(f.Planners)-1 {
			logger.Warn("planner failed, trying next", "planner", fmt.Sprintf("%T", p), "error", err)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no planners configured", ErrInvalidPlan)
	}
	return nil, lastErr
}
