package mcp

import (
	"context"
	"time"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

// Caller is the provider-facing surface a binding needs. *Client implements
// it; tests and custom tool sources substitute their own.
type Caller interface {
	URL() string
	CallTool(ctx context.Context, toolName string, args map[string]any) Result
}

// Binding wraps one remote tool as a process-local callable usable
// synchronously by the agent loop. A binding never returns an error:
// every failure is reported in-band as an "Error: ..." string so the agent
// can react (retry with another tool, or conclude).
type Binding struct {
	desc    ToolDescriptor
	client  Caller
	cfg     config.MCPConfig
	ambient map[string]any
	env     *saga.Envelope
}

// NewBinding wires a tool descriptor to a provider caller. Exposed for test
// infrastructure that needs to hand workers synthetic tool sets without a
// registry; production bindings come from Manager.Bindings.
func NewBinding(desc ToolDescriptor, caller Caller, cfg config.MCPConfig, ambient map[string]any, env *saga.Envelope) *Binding {
	if ambient == nil {
		ambient = map[string]any{}
	}
	return &Binding{desc: desc, client: caller, cfg: cfg, ambient: ambient, env: env}
}

// Name returns the tool name.
func (b *Binding) Name() string { return b.desc.Name }

// Description returns the tool's advertised description.
func (b *Binding) Description() string { return b.desc.Description }

// Parameters returns the schema properties exposed to the LLM: the tool's
// declared parameters minus those supplied by ambient context.
func (b *Binding) Parameters() map[string]Property {
	params := make(map[string]Property, len(b.desc.InputSchema.Properties))
	for name, prop := range b.desc.InputSchema.Properties {
		if _, ambient := b.ambient[name]; ambient {
			continue
		}
		params[name] = prop
	}
	return params
}

// RequiredParameters returns the required parameter names, excluding
// ambient-context parameters.
func (b *Binding) RequiredParameters() []string {
	var required []string
	for _, name := range b.desc.InputSchema.Required {
		if _, ambient := b.ambient[name]; ambient {
			continue
		}
		required = append(required, name)
	}
	return required
}

// Invoke executes the tool call synchronously. Argument values are coerced
// toward declared kinds, ambient context is merged where arguments are
// absent or empty, and concurrency against the provider is capped by its
// semaphore. When the binding carries a saga envelope, a sanitized ToolCall
// record is appended to the envelope's pending and cumulative lists.
func (b *Binding) Invoke(ctx context.Context, args map[string]any) string {
	start := time.Now()

	prepared := b.prepareArgs(args)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.InvokeTimeout)
	defer cancel()

	sem := providerSemaphore(b.client.URL(), b.cfg.MaxConnectionsPerServer)
	if err := sem.Acquire(ctx, 1); err != nil {
		return b.finish(prepared, "Error: MCP call timed out", saga.StatusError, start)
	}
	defer sem.Release(1)

	result := b.client.CallTool(ctx, b.desc.Name, prepared)
	switch {
	case result.Err != "":
		return b.finish(prepared, "Error: "+result.Err, saga.StatusError, start)
	case !result.Success:
		return b.finish(prepared, "Error: "+result.Content, saga.StatusError, start)
	default:
		return b.finish(prepared, result.Content, saga.StatusSuccess, start)
	}
}

// finish records the tool call on the envelope (when present) and returns
// the in-band response.
func (b *Binding) finish(args map[string]any, response, status string, start time.Time) string {
	if b.env != nil {
		b.env.AddToolCall(b.desc.Name, args, response, time.Since(start), status)
	}
	return response
}

// prepareArgs coerces argument types and merges ambient context.
func (b *Binding) prepareArgs(args map[string]any) map[string]any {
	prepared := make(map[string]any, len(args)+len(b.ambient))
	for name, value := range args {
		if prop, ok := b.desc.InputSchema.Properties[name]; ok {
			prepared[name] = CoerceArgument(value, prop.Type)
		} else {
			prepared[name] = value
		}
	}
	for name, value := range b.ambient {
		if existing, ok := prepared[name]; !ok || existing == nil || existing == "" {
			prepared[name] = value
		}
	}
	return prepared
}
