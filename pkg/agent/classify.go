package agent

import "strings"

// outOfScopeKeywords is the closed keyword set that, combined with an
// absent SQL statement, classifies a generation as out of scope even when
// the DECISION tag was lost.
var outOfScopeKeywords = []string{
	"out of scope",
	"cannot answer",
	"not related",
	"does not exist",
}

// Generation is the parsed outcome of the generate-query step.
type Generation struct {
	OutOfScope bool
	Decision   string
	Reasoning  string
	SQL        string
}

// ClassifyGeneration parses the generator's response and decides between
// a usable SQL statement and an out-of-scope termination.
func ClassifyGeneration(fullText string) Generation {
	parsed := ParseTagged(fullText, []string{"DECISION", "REASONING", "SQL"})

	gen := Generation{
		Decision:  strings.ToUpper(parsed["DECISION"]),
		Reasoning: parsed["REASONING"],
		SQL:       parsed["SQL"],
	}

	noSQL := gen.SQL == "" || strings.EqualFold(gen.SQL, "NONE")
	if noSQL {
		gen.SQL = ""
	}

	// 1. Explicitly tagged decision.
	if strings.Contains(gen.Decision, "OUT_OF_SCOPE") || strings.Contains(gen.Decision, "IRRELEVANT") {
		gen.OutOfScope = true
	}

	// 2. No SQL produced: nothing to execute regardless of the tag.
	if !gen.OutOfScope && noSQL {
		gen.OutOfScope = true
	}

	// 3. Keyword fallback for responses where tag parsing failed entirely.
	if !gen.OutOfScope && noSQL {
		lower := strings.ToLower(fullText)
		for _, kw := range outOfScopeKeywords {
			if strings.Contains(lower, kw) {
				gen.OutOfScope = true
				break
			}
		}
	}

	if gen.OutOfScope && gen.Reasoning == "" {
		gen.Reasoning = strings.TrimSpace(fullText)
	}
	return gen
}

// Execution is the parsed outcome of the execute-query step.
type Execution struct {
	Success bool
	Results string
}

// ParseExecution parses the executor's STATUS/RESULTS response.
func ParseExecution(fullText string) Execution {
	parsed := ParseTagged(fullText, []string{"STATUS", "RESULTS"})
	return Execution{
		Success: strings.Contains(strings.ToUpper(parsed["STATUS"]), "SUCCESS"),
		Results: parsed["RESULTS"],
	}
}

// ParseFormatted extracts the executive summary, falling back to the whole
// response when the tag is missing.
func ParseFormatted(fullText string) string {
	parsed := ParseTagged(fullText, []string{"EXECUTIVE SUMMARY"})
	if summary := parsed["EXECUTIVE SUMMARY"]; summary != "" {
		return summary
	}
	return strings.TrimSpace(fullText)
}
