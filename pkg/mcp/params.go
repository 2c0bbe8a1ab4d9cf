package mcp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CoerceArgument converts an argument value toward the declared JSON-schema
// kind. LLMs routinely pass numbers and booleans as strings; coercion at
// the binding boundary tolerates that drift without reflection at call time.
// Values that cannot be converted pass through unchanged — the provider is
// the final validator.
func CoerceArgument(value any, kind string) any {
	switch kind {
	case "integer":
		switch v := value.(type) {
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return i
			}
		case float64:
			if v == math.Trunc(v) {
				return int64(v)
			}
		}
	case "number":
		switch v := value.(type) {
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f
			}
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	case "boolean":
		if v, ok := value.(string); ok {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true
			case "false", "0", "no":
				return false
			}
		}
	case "array", "object":
		if v, ok := value.(string); ok {
			if parsed, ok := ParseStructured(v); ok {
				return parsed
			}
		}
	}
	return value
}

// ParseStructured parses a string into a structured value using a
// JSON-then-YAML cascade. Returns false when neither parse produces an
// array or map.
func ParseStructured(input string) (any, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, false
	}

	var jsonVal any
	if err := json.Unmarshal([]byte(input), &jsonVal); err == nil {
		switch jsonVal.(type) {
		case map[string]any, []any:
			return jsonVal, true
		}
	}

	var yamlVal any
	if err := yaml.Unmarshal([]byte(input), &yamlVal); err == nil {
		switch v := yamlVal.(type) {
		case map[string]any:
			return v, true
		case []any:
			return v, true
		}
	}

	return nil, false
}
