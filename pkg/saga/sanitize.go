package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sanitize recursively coerces a value into JSON-safe scalars and containers.
// Maps become map[string]any, slices become []any, JSON primitives pass
// through, and anything else (SDK response types, errors, times) is collapsed
// via a JSON round trip or, failing that, stringified. Applied before every
// serialization boundary: broker bodies, the state store, and trace metadata.
func Sanitize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case bool:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return x
	case int32:
		return int64(x)
	case int64:
		return x
	case uint, uint32, uint64:
		return fmt.Sprint(x)
	case json.Number:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return x.String()
	case error:
		return x.Error()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Sanitize(val)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = val
		}
		return out
	case []ToolCall:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return sanitizeOpaque(v)
	}
}

// sanitizeOpaque handles values with no direct JSON mapping. A JSON round
// trip collapses structs and typed maps to plain containers; values that
// cannot be marshaled (channels, funcs, cyclic graphs) fall back to their
// string form.
func sanitizeOpaque(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return Sanitize(out)
}
