// ABOUTME: Normalizes a nested group/method spec into flat "group.method" descriptors.
// ABOUTME: Keeps recognized fields only and reports malformed structure as configuration errors.

package registry

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/2389/tool-relay/internal/rpc"
)

// groupDescriptionKey marks a group's own description rather than a method.
const groupDescriptionKey = "description"

// Normalize flattens raw into descriptors keyed by "group.method" and
// returns the group descriptions found along the way.
func Normalize(raw map[string]any) (map[string]*Tool, map[string]string, error) {
	tools := make(map[string]*Tool)
	groups := make(map[string]string)

	for _, group := range sortedKeys(raw) {
		methods, ok := asObject(raw[group])
		if !ok {
			return nil, nil, rpc.Configuration("tool group %q must be an object", group)
		}
		groups[group] = ""

		for _, method := range sortedKeys(methods) {
			entry := methods[method]
			if method == groupDescriptionKey {
				if s, ok := entry.(string); ok {
					groups[group] = s
				}
				continue
			}

			tool, err := normalizeEntry(group, method, entry)
			if err != nil {
				return nil, nil, err
			}
			if _, exists := tools[tool.Name]; exists {
				return nil, nil, rpc.Configuration("duplicate tool name %q", tool.Name)
			}
			tools[tool.Name] = tool
		}
	}
	return tools, groups, nil
}

func normalizeEntry(group, method string, entry any) (*Tool, error) {
	name := group + "." + method
	// A descriptor without a type has no strategy; dispatch rejects it.
	tool := &Tool{Name: name, Group: group, Method: method}

	if s, ok := entry.(string); ok {
		tool.Description = s
		return tool, nil
	}
	fields, ok := asObject(entry)
	if !ok {
		return nil, rpc.Configuration("tool %q must be an object or a description string", name)
	}

	if v, ok := fields["type"]; ok {
		s, err := stringField(name, "type", v)
		if err != nil {
			return nil, err
		}
		tool.Type = ParseKind(s)
	}

	var err error
	if tool.Target, err = optionalString(name, "target", fields["target"]); err != nil {
		return nil, err
	}
	if tool.Serializer, err = optionalString(name, "serializer", fields["serializer"]); err != nil {
		return nil, err
	}
	if tool.Path, err = optionalString(name, "path", fields["path"]); err != nil {
		return nil, err
	}
	if tool.Endpoint, err = optionalString(name, "endpoint", fields["endpoint"]); err != nil {
		return nil, err
	}
	if tool.Description, err = optionalString(name, "description", fields["description"]); err != nil {
		return nil, err
	}
	if tool.Params, err = parseParams(name, fields["params"]); err != nil {
		return nil, err
	}
	if tool.Timeout, err = parseTimeout(name, fields["timeout"]); err != nil {
		return nil, err
	}
	tool.Schema = fields["schema"]

	return tool, nil
}

// parseParams accepts a list of names or an object whose keys are the names.
func parseParams(name string, v any) ([]string, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []any:
		params := make([]string, 0, len(p))
		for _, item := range p {
			s, ok := item.(string)
			if !ok {
				return nil, rpc.Configuration("tool %q: params must be names, got %T", name, item)
			}
			params = append(params, s)
		}
		return params, nil
	case []string:
		return append([]string(nil), p...), nil
	default:
		if obj, ok := asObject(v); ok {
			return sortedKeys(obj), nil
		}
		return nil, rpc.Configuration("tool %q: params must be a list or an object", name)
	}
}

// parseTimeout accepts seconds as a number or a duration string like "1m30s".
func parseTimeout(name string, v any) (time.Duration, error) {
	var seconds float64
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		seconds = float64(t)
	case int64:
		seconds = float64(t)
	case uint64:
		seconds = float64(t)
	case float64:
		seconds = t
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			if d < 0 {
				return 0, rpc.Configuration("tool %q: timeout must not be negative", name)
			}
			return d, nil
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, rpc.Configuration("tool %q: invalid timeout %q", name, t)
		}
		seconds = f
	default:
		return 0, rpc.Configuration("tool %q: invalid timeout type %T", name, v)
	}
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, rpc.Configuration("tool %q: invalid timeout %v", name, seconds)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func stringField(name, field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", rpc.Configuration("tool %q: %s must be a string, got %T", name, field, v)
	}
	return s, nil
}

func optionalString(name, field string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return stringField(name, field, v)
}

// asObject accepts the map shapes produced by the JSON, YAML, and TOML decoders.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
