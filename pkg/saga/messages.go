// Package saga defines the message envelope carried between saga steps and
// the trace model (call stack, tool calls) accumulated over a saga's lifetime.
package saga

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Step names recorded in call stack entries, one per worker. The submitter
// records nothing: a completed saga's call stack holds exactly one entry
// per executed step.
const (
	StepGenerateQuery = "generate_query_agentic"
	StepExecuteQuery  = "execute_query_agentic"
	StepFormatResult  = "format_result_agentic"
)

// Entry and tool-call statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CallStackEntry records one completed processing step.
type CallStackEntry struct {
	StepName   string         `json:"step_name"`
	Timestamp  string         `json:"timestamp"`
	DurationMS float64        `json:"duration_ms,omitempty"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall records one tool invocation made on behalf of the saga.
// Args and Response are sanitized to JSON-safe values before storage.
type ToolCall struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Response   any            `json:"response"`
	DurationMS float64        `json:"duration_ms"`
	Status     string         `json:"status"`
	Timestamp  string         `json:"timestamp"`
}

// DBConfig describes the user's target database connection.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBType   string `json:"db_type"`
}

// URL renders the connection string handed to database tools.
func (c DBConfig) URL() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, port, c.DBName)
}

// Envelope is the base message carried between saga steps. Each step
// constructs its successor by copying the envelope forward (CarryFrom) and
// appending its own call stack entry; CallStack and AllToolCalls are
// append-only for the lifetime of a saga.
//
// Pending tool calls (calls attributed to the in-flight step) are process
// local: they are drained into the next call stack entry's "tools_used"
// metadata and are never serialized.
type Envelope struct {
	SagaID    string `json:"saga_id"`
	UserID    int64  `json:"user_id"`
	AccountID string `json:"account_id"`
	Question  string `json:"question"`

	CallStack    []CallStackEntry `json:"call_stack"`
	AllToolCalls []ToolCall       `json:"all_tool_calls"`

	mu      sync.Mutex
	pending []ToolCall
}

// Meta returns the identifying fields stamped into broker message headers.
func (e *Envelope) Meta() (sagaID string, userID int64, accountID string) {
	return e.SagaID, e.UserID, e.AccountID
}

// AddToolCall tracks a tool invocation. The call is appended to both the
// pending list (drained into the next call stack entry) and the cumulative
// AllToolCalls list. Args and response are sanitized on entry so every
// downstream JSON boundary (broker body, state store) is safe.
func (e *Envelope) AddToolCall(tool string, args map[string]any, response any, duration time.Duration, status string) {
	call := ToolCall{
		Tool:       tool,
		Args:       asMap(Sanitize(args)),
		Response:   Sanitize(response),
		DurationMS: float64(duration.Milliseconds()),
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, call)
	e.AllToolCalls = append(e.AllToolCalls, call)
}

// AddToCallStack appends a completed-step entry. Any pending tool calls are
// drained into the entry's "tools_used" metadata unless the caller already
// supplied that key. Metadata is sanitized before storage.
func (e *Envelope) AddToCallStack(stepName, status string, duration time.Duration, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	e.mu.Lock()
	if _, ok := metadata["tools_used"]; !ok && len(e.pending) > 0 {
		metadata["tools_used"] = e.pending
		e.pending = nil
	}
	e.mu.Unlock()

	entry := CallStackEntry{
		StepName:   stepName,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DurationMS: float64(duration.Milliseconds()),
		Status:     status,
		Metadata:   asMap(Sanitize(metadata)),
	}
	e.CallStack = append(e.CallStack, entry)
}

// CarryFrom copies the accumulated trace from the predecessor step's
// envelope, including its not-yet-drained pending tool calls. The slices
// are copied so the successor appends without aliasing the predecessor.
func (e *Envelope) CarryFrom(prev *Envelope) {
	prev.mu.Lock()
	defer prev.mu.Unlock()

	e.CallStack = append([]CallStackEntry(nil), prev.CallStack...)
	e.AllToolCalls = append([]ToolCall(nil), prev.AllToolCalls...)
	e.pending = append([]ToolCall(nil), prev.pending...)
	prev.pending = nil
}

// PendingToolCalls returns a copy of the tool calls attributed to the
// current step that have not yet been drained into a call stack entry.
func (e *Envelope) PendingToolCalls() []ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ToolCall(nil), e.pending...)
}

// InitiatedMessage starts a saga (published by the submitter).
type InitiatedMessage struct {
	Envelope
	DBConfig DBConfig `json:"db_config"`
}

// GeneratedMessage carries the generated SQL to the execute step.
type GeneratedMessage struct {
	Envelope
	GeneratedSQL string   `json:"generated_sql"`
	Reasoning    string   `json:"reasoning"`
	DBConfig     DBConfig `json:"db_config"`
}

// ExecutedMessage carries raw execution results to the format step.
type ExecutedMessage struct {
	Envelope
	GeneratedSQL     string `json:"generated_sql"`
	RawResults       string `json:"raw_results"`
	ExecutionSuccess bool   `json:"execution_success"`
	ExecutionError   string `json:"execution_error,omitempty"`
}

// FormattedMessage is the terminal success payload.
type FormattedMessage struct {
	Envelope
	GeneratedSQL      string `json:"generated_sql"`
	RawResults        string `json:"raw_results"`
	Reasoning         string `json:"reasoning"`
	FormattedResponse string `json:"formatted_response"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
}

// ErrorMessage is published to the error queue when a step terminates a saga.
type ErrorMessage struct {
	Envelope
	ErrorStep    string         `json:"error_step"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}

// Encode serializes a saga message to its broker wire form.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding saga message: %w", err)
	}
	return data, nil
}

// Decode deserializes a broker body into the given message type.
func Decode[T any](body []byte) (*T, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding saga message: %w", err)
	}
	return &msg, nil
}

// asMap narrows a sanitized value back to a string-keyed map.
func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
