// ABOUTME: Typed accessors over decoded JSON tool arguments.
// ABOUTME: Tolerates the numeric shapes produced by JSON, YAML, and string-typed clients.

package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Args are the named arguments passed to a local callable.
type Args map[string]any

// Has reports whether name was supplied and is not null.
func (a Args) Has(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

// String returns name as a string, or def when absent.
func (a Args) String(name, def string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return def, nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case float64, int, int64, bool, json.Number:
		return fmt.Sprint(s), nil
	}
	return "", fmt.Errorf("argument %q must be a string, got %T", name, v)
}

// Float returns name as a float64, or def when absent.
func (a Args) Float(name string, def float64) (float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be a number, got %q", name, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("argument %q must be a number, got %T", name, v)
}

// Int returns name as an int, or def when absent. Fractional and out-of-range
// values are rejected.
func (a Args) Int(name string, def int) (int, error) {
	if !a.Has(name) {
		return def, nil
	}
	f, err := a.Float(name, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("argument %q must be an integer, got %v", name, f)
	}
	if f < math.MinInt || f >= -math.MinInt {
		return 0, fmt.Errorf("argument %q is out of range, got %v", name, f)
	}
	return int(f), nil
}

// Bool returns name as a bool, or def when absent.
func (a Args) Bool(name string, def bool) (bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("argument %q must be a boolean, got %q", name, b)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("argument %q must be a boolean, got %T", name, v)
}

// Object returns name as a JSON object.
func (a Args) Object(name string) (map[string]any, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, fmt.Errorf("argument %q is required", name)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("argument %q must be an object, got %T", name, v)
	}
	return obj, nil
}

// Decode re-encodes name into out, for binding an object argument to a struct.
func (a Args) Decode(name string, out any) error {
	obj, err := a.Object(name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("argument %q: %w", name, err)
	}
	return nil
}

// formatArg renders an argument as a command-line or query-string value.
// Missing values become empty strings; structured values are JSON-encoded.
func formatArg(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool, int, int64, json.Number:
		return fmt.Sprint(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
