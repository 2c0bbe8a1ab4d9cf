package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

// providerClient combines listing and calling; *Client implements it.
type providerClient interface {
	Caller
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
}

// registryEntry is one row of the registry's GET /servers response.
type registryEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// toolEntry maps a discovered tool to its owning provider.
type toolEntry struct {
	client providerClient
	desc   ToolDescriptor
}

// Registry polling knobs.
const (
	registryListTimeout = 5 * time.Second
	refreshAttempts     = 3
	refreshRetryDelay   = 2 * time.Second
)

// Manager is the process-global tool discovery cache. It polls the
// capability registry, lists each provider's tools, and hands out bindings
// to agent workers. Refreshes are debounced and partial failures keep the
// prior cache, so a registry outage degrades to stale tools rather than no
// tools.
type Manager struct {
	cfg        config.MCPConfig
	httpClient *http.Client
	logger     *slog.Logger

	// newClient creates a provider client; replaced by tests.
	newClient func(url string) providerClient

	mu          sync.RWMutex
	tools       map[string]toolEntry
	lastRefresh time.Time
}

// NewManager creates a Manager polling the configured registry.
func NewManager(cfg config.MCPConfig) *Manager {
	m := &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: registryListTimeout},
		logger:     slog.Default(),
		tools:      make(map[string]toolEntry),
	}
	m.newClient = func(url string) providerClient {
		return NewClient(url, cfg)
	}
	return m
}

// Refresh polls the registry and rebuilds the tool cache. Debounced: a
// successful refresh within the debounce window short-circuits unless
// force is set. On total failure the previous cache is kept.
func (m *Manager) Refresh(ctx context.Context, force bool) error {
	m.mu.RLock()
	fresh := len(m.tools) > 0 && time.Since(m.lastRefresh) < m.cfg.RefreshDebounce
	m.mu.RUnlock()
	if fresh && !force {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(refreshRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		servers, err := m.listServers(ctx)
		if err != nil {
			lastErr = err
			m.logger.Warn("Registry poll failed", "attempt", attempt+1, "error", err)
			continue
		}

		newTools := make(map[string]toolEntry)
		for _, server := range servers {
			client := m.newClient(server.URL)
			tools, err := client.ListTools(ctx)
			if err != nil {
				m.logger.Warn("Failed to list tools from provider",
					"provider", server.Name, "url", server.URL, "error", err)
				continue
			}
			for _, desc := range tools {
				newTools[desc.Name] = toolEntry{client: client, desc: desc}
			}
			m.logger.Info("Discovered provider tools", "provider", server.Name, "tools", len(tools))
		}

		if len(newTools) == 0 && len(servers) > 0 {
			// Every provider failed to list; stale tools beat no tools.
			m.logger.Warn("Refresh aggregated zero tools, keeping previous cache",
				"servers", len(servers))
			return nil
		}

		m.mu.Lock()
		m.tools = newTools
		m.lastRefresh = time.Now()
		m.mu.Unlock()
		m.logger.Info("Tool cache refreshed", "tools", len(newTools))
		return nil
	}

	m.logger.Warn("Registry refresh exhausted retries, using cached tools", "error", lastErr)
	if m.ToolCount() == 0 {
		return fmt.Errorf("refreshing tools: %w", lastErr)
	}
	return nil
}

// listServers fetches the registry membership.
func (m *Manager) listServers(ctx context.Context) ([]registryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.RegistryURL+"/servers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching registry servers: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
	var servers []registryEntry
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, fmt.Errorf("decoding registry response: %w", err)
	}
	return servers, nil
}

// ToolCount returns the number of cached tools.
func (m *Manager) ToolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tools)
}

// Bindings returns a callable binding for every cached tool, wired to the
// given saga envelope (for trace recording; may be nil) and ambient context
// (injected arguments such as db_url and account_id; may be nil). If the
// cache is empty one forced synchronous refresh is attempted first.
func (m *Manager) Bindings(ctx context.Context, env *saga.Envelope, ambient map[string]any) []*Binding {
	if m.ToolCount() == 0 {
		if err := m.Refresh(ctx, true); err != nil {
			m.logger.Warn("No tools available after forced refresh", "error", err)
		}
	}
	if ambient == nil {
		ambient = map[string]any{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	bindings := make([]*Binding, 0, len(m.tools))
	for _, entry := range m.tools {
		bindings = append(bindings, &Binding{
			desc:    entry.desc,
			client:  entry.client,
			cfg:     m.cfg,
			ambient: ambient,
			env:     env,
		})
	}
	return bindings
}
