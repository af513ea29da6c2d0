package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// optionalFloat64 extracts a float64 from args by key, returning the fallback if not present.
func optionalFloat64(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}

// optionalInt reads a number and clamps it to [lo, hi].
func optionalInt(args map[string]any, key string, fallback, lo, hi int) int {
	n := int(optionalFloat64(args, key, float64(fallback)))
	return max(lo, min(n, hi))
}

func optionalBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

// stringSlice reads an array of strings, skipping non-string elements.
func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringMap reads an object whose values are strings.
func stringMap(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func objectArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

// optionalTime parses an RFC 3339 timestamp; empty means none.
func optionalTime(args map[string]any, key string) (*time.Time, error) {
	s := optionalString(args, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp: %w", key, err)
	}
	return &t, nil
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
