package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
)

// fakeProvider implements providerClient for manager tests.
type fakeProvider struct {
	fakeCaller
	tools   []ToolDescriptor
	listErr error
}

func (f *fakeProvider) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	return f.tools, f.listErr
}

func newRegistryServer(t *testing.T, servers []registryEntry) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/servers", r.URL.Path)
		_ = json.NewEncoder(w).Encode(servers)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, registryURL string, providers map[string]*fakeProvider) *Manager {
	t.Helper()
	cfg := config.Default().MCP
	cfg.RegistryURL = registryURL
	m := NewManager(cfg)
	m.newClient = func(url string) providerClient {
		p, ok := providers[url]
		if !ok {
			return &fakeProvider{listErr: errors.New("unknown provider " + url)}
		}
		return p
	}
	return m
}

func TestRefreshBuildsToolCache(t *testing.T) {
	registry := newRegistryServer(t, []registryEntry{
		{Name: "mcp-database", URL: "http://db:8001/sse"},
		{Name: "mcp-chroma", URL: "http://chroma:8002/sse"},
	})

	providers := map[string]*fakeProvider{
		"http://db:8001/sse": {
			fakeCaller: fakeCaller{url: "http://db:8001/sse"},
			tools: []ToolDescriptor{
				{Name: "list_tables"},
				{Name: "run_query"},
			},
		},
		"http://chroma:8002/sse": {
			fakeCaller: fakeCaller{url: "http://chroma:8002/sse"},
			tools: []ToolDescriptor{
				{Name: "search_relevant_schema"},
			},
		},
	}

	m := newTestManager(t, registry.URL, providers)
	require.NoError(t, m.Refresh(context.Background(), false))
	assert.Equal(t, 3, m.ToolCount())

	bindings := m.Bindings(context.Background(), nil, nil)
	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		names = append(names, b.Name())
	}
	assert.ElementsMatch(t, []string{"list_tables", "run_query", "search_relevant_schema"}, names)
}

func TestRefreshKeepsCacheWhenAllProvidersFail(t *testing.T) {
	registry := newRegistryServer(t, []registryEntry{{Name: "db", URL: "http://db:8001/sse"}})

	healthy := &fakeProvider{
		fakeCaller: fakeCaller{url: "http://db:8001/sse"},
		tools:      []ToolDescriptor{{Name: "list_tables"}},
	}
	m := newTestManager(t, registry.URL, map[string]*fakeProvider{"http://db:8001/sse": healthy})
	require.NoError(t, m.Refresh(context.Background(), false))
	require.Equal(t, 1, m.ToolCount())

	// Provider starts failing; a forced refresh must not wipe the cache.
	healthy.listErr = errors.New("connection refused")
	healthy.tools = nil
	require.NoError(t, m.Refresh(context.Background(), true))
	assert.Equal(t, 1, m.ToolCount(), "stale tools beat no tools")
}

func TestRefreshDebounce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode([]registryEntry{{Name: "db", URL: "http://db:8001/sse"}})
	}))
	t.Cleanup(srv.Close)

	providers := map[string]*fakeProvider{
		"http://db:8001/sse": {
			fakeCaller: fakeCaller{url: "http://db:8001/sse"},
			tools:      []ToolDescriptor{{Name: "list_tables"}},
		},
	}
	m := newTestManager(t, srv.URL, providers)

	require.NoError(t, m.Refresh(context.Background(), false))
	require.NoError(t, m.Refresh(context.Background(), false))
	require.NoError(t, m.Refresh(context.Background(), false))
	assert.Equal(t, int64(1), hits.Load(), "refresh within the debounce window is a no-op")

	require.NoError(t, m.Refresh(context.Background(), true))
	assert.Equal(t, int64(2), hits.Load(), "forced refresh bypasses the debounce")
}

func TestRefreshErrorWithEmptyCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL, nil)
	// Shrink retry pacing for the test by using a cancellable context.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.Refresh(ctx, false)
	assert.Error(t, err, "an empty cache plus an unreachable registry is an error")
	assert.Equal(t, 0, m.ToolCount())
}

func TestBindingsForceRefreshWhenCacheEmpty(t *testing.T) {
	registry := newRegistryServer(t, []registryEntry{{Name: "db", URL: "http://db:8001/sse"}})
	providers := map[string]*fakeProvider{
		"http://db:8001/sse": {
			fakeCaller: fakeCaller{url: "http://db:8001/sse"},
			tools:      []ToolDescriptor{{Name: "list_tables"}},
		},
	}
	m := newTestManager(t, registry.URL, providers)

	bindings := m.Bindings(context.Background(), nil, map[string]any{"account_id": "a1"})
	require.Len(t, bindings, 1)
	assert.Equal(t, "list_tables", bindings[0].Name())
}
