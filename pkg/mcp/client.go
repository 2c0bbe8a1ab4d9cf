// Package mcp implements the tool-call runtime: discovery of tool providers
// through the capability registry, per-provider streaming clients, and
// synchronous callable bindings handed to the agent loop.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/version"
)

// Result is the outcome of one tool call.
type Result struct {
	Success bool
	Content string
	Err     string
}

// callRetries is the number of retry attempts after the initial call_tool
// failure.
const callRetries = 2

// retryBackoff is the pause between call_tool attempts.
const retryBackoff = 500 * time.Millisecond

// Client talks to a single tool provider over its SSE stream endpoint.
// Sessions are short-lived: each operation opens a stream, initializes,
// performs one RPC, and closes. The HTTP client (and its connection pool)
// is shared across calls to the same provider, which amortizes transport
// setup across all workers in the process.
type Client struct {
	url        string
	httpClient *http.Client
	timeouts   config.MCPConfig
	logger     *slog.Logger

	// connect opens and initializes a session. Defaults to the SSE
	// transport; test infrastructure swaps in in-memory transports.
	connect func(ctx context.Context) (*mcpsdk.ClientSession, error)
}

// NewClient creates a client for the provider at the given stream URL.
func NewClient(url string, cfg config.MCPConfig) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{},
		timeouts:   cfg,
		logger:     slog.With("provider", url),
	}
	c.connect = c.sseConnect
	return c
}

// URL returns the provider's stream endpoint.
func (c *Client) URL() string {
	return c.url
}

// sseConnect opens and initializes a session within the initialize budget.
func (c *Client) sseConnect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	transport := &mcpsdk.SSEClientTransport{
		Endpoint:   c.url,
		HTTPClient: c.httpClient,
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	initCtx, cancel := context.WithTimeout(ctx, c.timeouts.InitializeTimeout)
	defer cancel()

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", c.url, err)
	}
	return session, nil
}

// ListTools fetches the provider's tool descriptors. Retries once on
// failure; a provider that cannot list tools contributes nothing to the
// cache but does not fail discovery as a whole.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		tools, err := c.listToolsOnce(ctx)
		if err == nil {
			return tools, nil
		}
		lastErr = err
		c.logger.Warn("list_tools failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Client) listToolsOnce(ctx context.Context) ([]ToolDescriptor, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = session.Close() }()

	opCtx, cancel := context.WithTimeout(ctx, c.timeouts.ListToolsTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list_tools from %q: %w", c.url, err)
	}

	descriptors := make([]ToolDescriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		desc, err := descriptorFromSDK(tool)
		if err != nil {
			c.logger.Warn("Skipping tool with unparsable schema", "tool", tool.Name, "error", err)
			continue
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

// CallTool executes one tool call. Nil-valued arguments are filtered out
// before dispatch. Transient failures retry up to callRetries times with a
// short backoff; the final failure is reported in-band via Result, never as
// an error the agent loop would have to handle.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) Result {
	filtered := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			filtered[k] = v
		}
	}

	var last Result
	for attempt := 0; attempt <= callRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return Result{Err: "MCP call timed out"}
			}
		}

		last = c.callToolOnce(ctx, toolName, filtered)
		if last.Err == "" {
			return last
		}
		c.logger.Warn("Tool call failed", "tool", toolName, "attempt", attempt+1, "error", last.Err)
	}
	return last
}

func (c *Client) callToolOnce(ctx context.Context, toolName string, args map[string]any) Result {
	session, err := c.connect(ctx)
	if err != nil {
		if isTimeout(err) {
			return Result{Err: "MCP call timed out"}
		}
		return Result{Err: err.Error()}
	}
	defer func() { _ = session.Close() }()

	opCtx, cancel := context.WithTimeout(ctx, c.timeouts.CallToolTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		if isTimeout(err) {
			return Result{Err: "MCP call timed out"}
		}
		return Result{Err: err.Error()}
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return Result{
		Success: !result.IsError,
		Content: strings.Join(parts, ""),
	}
}

func isTimeout(err error) bool {
	return err != nil && (strings.Contains(err.Error(), context.DeadlineExceeded.Error()) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout"))
}

// descriptorFromSDK converts an SDK tool into the runtime's descriptor.
// The SDK's schema type is collapsed through JSON so the runtime depends
// only on the wire shape, not the SDK's schema representation.
func descriptorFromSDK(tool *mcpsdk.Tool) (ToolDescriptor, error) {
	desc := ToolDescriptor{
		Name:        tool.Name,
		Description: tool.Description,
	}
	if tool.InputSchema == nil {
		return desc, nil
	}
	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return desc, fmt.Errorf("marshaling input schema: %w", err)
	}
	if err := json.Unmarshal(data, &desc.InputSchema); err != nil {
		return desc, fmt.Errorf("parsing input schema: %w", err)
	}
	return desc, nil
}
