package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTaggedBasicSections(t *testing.T) {
	text := `DECISION: RELEVANT
REASONING: The orders table holds revenue.
SQL: SELECT SUM(amount) FROM orders`

	parsed := ParseTagged(text, []string{"DECISION", "REASONING", "SQL"})
	assert.Equal(t, "RELEVANT", parsed["DECISION"])
	assert.Equal(t, "The orders table holds revenue.", parsed["REASONING"])
	assert.Equal(t, "SELECT SUM(amount) FROM orders", parsed["SQL"])
}

func TestParseTaggedUnwrapsBracketsAndCleansSQL(t *testing.T) {
	text := "DECISION: [RELEVANT]\nSQL: ```sql\nSELECT 1;\n```"
	parsed := ParseTagged(text, []string{"DECISION", "SQL"})
	assert.Equal(t, "RELEVANT", parsed["DECISION"])
	assert.Equal(t, "SELECT 1", parsed["SQL"])
}

func TestParseTaggedJSONFallback(t *testing.T) {
	text := `{"decision": "OUT_OF_SCOPE", "reasoning": "no such data"}`
	parsed := ParseTagged(text, []string{"DECISION", "REASONING", "SQL"})
	assert.Equal(t, "OUT_OF_SCOPE", parsed["DECISION"])
	assert.Equal(t, "no such data", parsed["REASONING"])
}

func TestParseTaggedTagsOverrideJSON(t *testing.T) {
	text := `{"decision": "RELEVANT"}
DECISION: OUT_OF_SCOPE`
	parsed := ParseTagged(text, []string{"DECISION"})
	assert.Equal(t, "OUT_OF_SCOPE", parsed["DECISION"])
}

func TestParseTaggedMultilineSection(t *testing.T) {
	text := "REASONING: first line\nsecond line\nSQL: SELECT 1"
	parsed := ParseTagged(text, []string{"REASONING", "SQL"})
	assert.Equal(t, "first line\nsecond line", parsed["REASONING"])
}

func TestClassifyGeneration(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		outOfScope bool
		sql        string
	}{
		{
			name:       "relevant with sql",
			text:       "DECISION: RELEVANT\nREASONING: ok\nSQL: SELECT SUM(amount) FROM orders",
			outOfScope: false,
			sql:        "SELECT SUM(amount) FROM orders",
		},
		{
			name:       "explicit out of scope",
			text:       "DECISION: OUT_OF_SCOPE\nREASONING: The question is about football.\nSQL: NONE",
			outOfScope: true,
		},
		{
			name:       "irrelevant decision",
			text:       "DECISION: IRRELEVANT\nREASONING: nope\nSQL: NONE",
			outOfScope: true,
		},
		{
			name:       "relevant but literal NONE sql",
			text:       "DECISION: RELEVANT\nREASONING: hmm\nSQL: NONE",
			outOfScope: true,
		},
		{
			name:       "missing sql entirely",
			text:       "DECISION: RELEVANT\nREASONING: forgot the query",
			outOfScope: true,
		},
		{
			name:       "keyword fallback without tags",
			text:       "I cannot answer this question from the available tables.",
			outOfScope: true,
		},
		{
			name:       "keyword quoted but sql produced",
			text:       "DECISION: RELEVANT\nREASONING: the user asked about 'out of scope' items column\nSQL: SELECT * FROM items",
			outOfScope: false,
			sql:        "SELECT * FROM items",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := ClassifyGeneration(tt.text)
			assert.Equal(t, tt.outOfScope, gen.OutOfScope)
			if tt.sql != "" {
				assert.Equal(t, tt.sql, gen.SQL)
			}
		})
	}
}

func TestClassifyGenerationReasoningFallsBackToFullText(t *testing.T) {
	text := "This question is not related to the database."
	gen := ClassifyGeneration(text)
	assert.True(t, gen.OutOfScope)
	assert.Equal(t, text, gen.Reasoning)
}

func TestParseExecution(t *testing.T) {
	ok := ParseExecution("STATUS: SUCCESS\nRESULTS: total\n-----\n42")
	assert.True(t, ok.Success)
	assert.Equal(t, "total\n-----\n42", ok.Results)

	failed := ParseExecution("STATUS: FAILED\nRESULTS: column \"missing\" does not exist")
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Results, "does not exist")
}

func TestParseFormatted(t *testing.T) {
	assert.Equal(t, "Revenue is up.", ParseFormatted("EXECUTIVE SUMMARY: Revenue is up."))
	assert.Equal(t, "raw text", ParseFormatted("raw text"))
}

func TestCleanSQL(t *testing.T) {
	assert.Equal(t, "SELECT 1", CleanSQL("```sql\nSELECT 1;\n```"))
	assert.Equal(t, "SELECT 1", CleanSQL("SELECT 1;"))
}
