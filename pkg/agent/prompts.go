package agent

import "fmt"

// GeneratorPrompt instructs the model to act as gatekeeper and SQL author.
// The tool set handed alongside this prompt must exclude run_query so the
// model cannot execute prematurely.
func GeneratorPrompt(question, dbURL string) string {
	return fmt.Sprintf(`You are a Senior SQL Analyst and Gatekeeper. Your goal is to write a PostgreSQL query for: %q

DATABASE CONNECTION INFO:
Use this db_url for any database tools: %s

CRITICAL RULES:
1. FIRST, use `+"`list_tables(db_url=...)`"+` to see which tables exist.
2. Then, use `+"`search_relevant_schema(query=..., account_id=..., n_results=...)`"+` to identify relevant tables.
3. YOU MUST call `+"`describe_table(table_name=..., db_url=...)`"+` for EVERY table you include in your SQL to get the exact column names.
4. If the question is NOT related to the available database schema or business scope, state clearly that it is "OUT_OF_SCOPE" and explain why.
5. Only read-only SELECT statements are allowed.

STRATEGY:
- Determine if the question is RELEVANT or OUT_OF_SCOPE.
- If RELEVANT, formulate the exact PostgreSQL query.
- If OUT_OF_SCOPE, provide a professional explanation.

RESPONSE FORMAT (STRICT):
DECISION: [RELEVANT / OUT_OF_SCOPE]
REASONING: [Your explanation of the decision and the data found]
SQL: [The final raw PostgreSQL query (without markdown code blocks or "sql" prefix) if RELEVANT, otherwise NONE]`, question, dbURL)
}

// ExecutorPrompt instructs the model to run the given SQL through the
// run_query tool and report the outcome in a fixed shape.
func ExecutorPrompt(sql string) string {
	return fmt.Sprintf(`You are a Database Operations Agent. Your task is to execute the following SQL query and return the results.

SQL QUERY:
%s

INSTRUCTIONS:
1. Call the `+"`run_query`"+` tool with the provided SQL.
2. If the query is successful, return the exact raw results.
3. If the query fails with an error, explain the error clearly.

RESPONSE FORMAT:
STATUS: [SUCCESS/FAILED]
RESULTS: [The raw table results or the error message]`, sql)
}

// FormatterPrompt instructs the model to turn raw results into an
// executive summary. Schema/knowledge search tools may be bound; run_query
// must not be.
func FormatterPrompt(question, rawResults string) string {
	return fmt.Sprintf(`You are a Senior Business Intelligence Consultant. Your goal is to transform technical database results into a professional executive summary.

USER QUESTION: %q

RAW DATABASE RESULTS:
%s

INSTRUCTIONS:
1. If you need more business context or schema details to explain the results better, use the search tools.
2. Format the response for an executive: focus on insights, trends, and business impact.
3. Start with the "Bottom Line" or most important finding.
4. Use professional domain-specific terminology.
5. Avoid technical jargon like "SQL", "JOINs", or column names unless necessary for clarity.

REPLY WITH:
EXECUTIVE SUMMARY: [Your professional response]`, question, rawResults)
}

// OutOfScopeResponse is the customer-facing wording for an out-of-scope
// termination.
func OutOfScopeResponse(reasoning string) string {
	return fmt.Sprintf("As your Senior Business Intelligence Consultant, I've determined that this inquiry falls outside our current business focus and database scope. %s", reasoning)
}

// StepFailureResponse is the customer-facing wording for a step failure.
func StepFailureResponse(step, errMsg string) string {
	return fmt.Sprintf("As your Senior Business Intelligence Consultant, I encountered an issue during %s: %s", step, errMsg)
}
