// ABOUTME: Plan and step types with JSON decoding and structural validation.
// ABOUTME: Also extracts the first JSON object from free-form model output.

package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlan is returned when a plan document is malformed.
var ErrInvalidPlan = errors.New("invalid plan")

// Op is a merge directive operator.
type Op string

const (
	OpUnion      Op = "union"
	OpIntersect  Op = "intersect"
	OpDifference Op = "difference"
	OpCount      Op = "count"
)

// Binary reports whether op combines two or more sets.
func (op Op) Binary() bool {
	return op == OpUnion || op == OpIntersect || op == OpDifference
}

// parseOp accepts the operator names and the aliases older planners emit.
func parseOp(s string) (Op, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "union", "unique":
		return OpUnion, true
	case "intersect", "intersection", "and":
		return OpIntersect, true
	case "difference", "minus", "except":
		return OpDifference, true
	case "count":
		return OpCount, true
	}
	return "", false
}

// Step is either a tool call or a merge directive.
type Step struct {
	Tool  string
	Args  map[string]any
	Merge Op
}

// IsToolCall reports whether the step invokes a tool.
func (s Step) IsToolCall() bool { return s.Tool != "" }

func (s Step) String() string {
	if s.IsToolCall() {
		return "tool " + s.Tool
	}
	return "merge " + string(s.Merge)
}

// UnmarshalJSON decodes {"tool": name, "args": {...}}, {"merge": op} or {"count": true}.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: step must be an object", ErrInvalidPlan)
	}

	if toolRaw, ok := raw["tool"]; ok {
		var tool string
		if err := json.Unmarshal(toolRaw, &tool); err != nil || tool == "" {
			return fmt.Errorf("%w: tool must be a non-empty string", ErrInvalidPlan)
		}
		var args map[string]any
		if argsRaw, ok := raw["args"]; ok && string(argsRaw) != "null" {
			if err := json.Unmarshal(argsRaw, &args); err != nil {
				return fmt.Errorf("%w: args of %s must be an object", ErrInvalidPlan, tool)
			}
		}
		if args == nil {
			args = map[string]any{}
		}
		*s = Step{Tool: tool, Args: args}
		return nil
	}

	if mergeRaw, ok := raw["merge"]; ok {
		var name string
		if err := json.Unmarshal(mergeRaw, &name); err != nil {
			return fmt.Errorf("%w: merge must be a string", ErrInvalidPlan)
		}
		op, ok := parseOp(name)
		if !ok {
			return fmt.Errorf("%w: unsupported merge %q", ErrInvalidPlan, name)
		}
		*s = Step{Merge: op}
		return nil
	}

	if countRaw, ok := raw["count"]; ok {
		var on bool
		if err := json.Unmarshal(countRaw, &on); err != nil || !on {
			return fmt.Errorf("%w: count directive must be true", ErrInvalidPlan)
		}
		*s = Step{Merge: OpCount}
		return nil
	}

	return fmt.Errorf("%w: step needs tool, merge, or count", ErrInvalidPlan)
}

// MarshalJSON encodes the step in the form UnmarshalJSON reads.
func (s Step) MarshalJSON() ([]byte, error) {
	if s.IsToolCall() {
		args := s.Args
		if args == nil {
			args = map[string]any{}
		}
		return json.Marshal(struct {
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		}{s.Tool, args})
	}
	return json.Marshal(struct {
		Merge Op `json:"merge"`
	}{s.Merge})
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step `json:"plan"`
}

// Validate checks that the plan has steps and that every step is well formed.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	for i, s := range p.Steps {
		if s.IsToolCall() {
			continue
		}
		if _, ok := parseOp(string(s.Merge)); !ok {
			return fmt.Errorf("%w: step %d: unsupported merge %q", ErrInvalidPlan, i, s.Merge)
		}
	}
	return nil
}

// ToolNames returns the distinct tools the plan calls, in first-use order.
func (p *Plan) ToolNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range p.Steps {
		if s.IsToolCall() && !seen[s.Tool] {
			seen[s.Tool] = true
			names = append(names, s.Tool)
		}
	}
	return names
}

// Parse extracts the first JSON object from text and decodes it as a plan.
func Parse(text string) (*Plan, error) {
	doc, ok := ExtractFirstJSON(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidPlan)
	}

	var raw struct {
		Plan json.RawMessage `json:"plan"`
	}
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if len(raw.Plan) == 0 {
		return nil, fmt.Errorf("%w: missing top-level \"plan\" list", ErrInvalidPlan)
	}

	var p Plan
	if err := json.Unmarshal(raw.Plan, &p.Steps); err != nil {
		if errors.Is(err, ErrInvalidPlan) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: \"plan\" must be a list of steps", ErrInvalidPlan)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ExtractFirstJSON returns the first balanced {...} object in text, skipping
// markdown code fences and braces inside JSON strings.
func ExtractFirstJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
