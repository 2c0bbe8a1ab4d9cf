// Package agent contains the prompt templates and response parsing shared
// by the saga step workers. The LLM contract is tag-shaped text
// (DECISION/REASONING/SQL, STATUS/RESULTS, EXECUTIVE SUMMARY); parsing is
// intentionally forgiving, with a JSON-object fallback for models that
// answer in JSON despite the prompt.
package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// jsonObjectPattern finds the first JSON object in a response, tolerating
// one level of nesting.
var jsonObjectPattern = regexp.MustCompile(`\{(?:[^{}]|\{[^{}]*\})*\}`)

// ParseTagged extracts tagged sections from an LLM response. Detection
// order: markdown fences are stripped, a JSON object (if present) seeds the
// result, then "TAG:" sections override. Values wrapped in [brackets] are
// unwrapped; the SQL tag additionally loses code fences and a trailing
// semicolon. Keys in the returned map are upper-case tag names.
func ParseTagged(text string, tags []string) map[string]string {
	result := make(map[string]string)

	clean := strings.ReplaceAll(text, "```sql", "")
	clean = strings.ReplaceAll(clean, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	// JSON fallback first so explicit tags win.
	if match := jsonObjectPattern.FindString(clean); match != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(match), &obj); err == nil {
			for k, v := range obj {
				result[strings.ToUpper(k)] = stringify(v)
			}
		}
	}

	for _, tag := range tags {
		upper := strings.ToUpper(tag)
		needle := upper + ":"
		start := strings.Index(clean, needle)
		if start == -1 {
			continue
		}
		start += len(needle)

		// Section runs until the next tag or end of text.
		end := len(clean)
		for _, other := range tags {
			otherNeedle := strings.ToUpper(other) + ":"
			if idx := strings.Index(clean[start:], otherNeedle); idx != -1 && start+idx < end {
				end = start + idx
			}
		}

		value := strings.TrimSpace(clean[start:end])
		if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
			value = strings.TrimSpace(value[1 : len(value)-1])
		}
		result[upper] = value
	}

	if sql, ok := result["SQL"]; ok {
		result["SQL"] = CleanSQL(sql)
	}
	return result
}

// CleanSQL strips code fences and a trailing semicolon from generated SQL.
func CleanSQL(sql string) string {
	sql = strings.ReplaceAll(sql, "```sql", "")
	sql = strings.ReplaceAll(sql, "```", "")
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
