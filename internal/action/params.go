package action

import (
	"fmt"
	"math"
	"sort"
)

// Parameter helpers for "with" maps decoded from YAML or JSON. Numbers may
// arrive as int, int64 or float64 and nested maps as map[string]any.

func stringParam(with map[string]any, key string, required bool) (string, error) {
	v, ok := with[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("parameter %q is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", key, v)
	}
	if required && s == "" {
		return "", fmt.Errorf("parameter %q must not be empty", key)
	}
	return s, nil
}

func intParam(with map[string]any, key string, def int) (int, error) {
	v, ok := with[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("parameter %q must be an integer", key)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q must be an integer, got %T", key, v)
	}
}

func boolParam(with map[string]any, key string) (bool, error) {
	v, ok := with[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q must be a boolean, got %T", key, v)
	}
	return b, nil
}

func stringMapParam(with map[string]any, key string) (map[string]string, error) {
	v, ok := with[key]
	if !ok || v == nil {
		return nil, nil
	}
	out := make(map[string]string)
	switch m := v.(type) {
	case map[string]string:
		for k, s := range m {
			out[k] = s
		}
	case map[string]any:
		for k, raw := range m {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q: value for %q must be a string, got %T", key, k, raw)
			}
			out[k] = s
		}
	default:
		return nil, fmt.Errorf("parameter %q must be a mapping, got %T", key, v)
	}
	return out, nil
}

func stringSliceParam(with map[string]any, key string) ([]string, error) {
	v, ok := with[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for i, raw := range s {
			str, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q: element %d must be a string, got %T", key, i, raw)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a list, got %T", key, v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
