// Package registry implements the capability registry service: tool
// providers self-register over HTTP, a background monitor probes their
// health, and agent processes discover live providers via GET /servers.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// membershipKey is the Redis hash holding provider records, keyed by URL so
// re-registration of the same endpoint upserts rather than duplicates.
const membershipKey = "mcp_servers"

// Provider is one registered tool-provider instance.
type Provider struct {
	Name     string  `json:"name"`
	URL      string  `json:"url"`
	LastSeen float64 `json:"last_seen"`
	Status   string  `json:"status"`
	IsStatic bool    `json:"is_static"`
}

// Provider statuses. Probe failures produce "unhealthy (<code>)" or
// "error: <reason>" strings, so Status is free-form beyond these.
const (
	StatusHealthy = "healthy"
	StatusUnknown = "unknown"
)

// Store persists provider membership in a Redis hash.
type Store struct {
	client *redis.Client
}

// NewStore creates a membership store over the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Upsert writes the provider record keyed by its URL.
func (s *Store) Upsert(ctx context.Context, p Provider) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling provider %q: %w", p.URL, err)
	}
	if err := s.client.HSet(ctx, membershipKey, p.URL, data).Err(); err != nil {
		return fmt.Errorf("storing provider %q: %w", p.URL, err)
	}
	return nil
}

// List returns all registered providers.
func (s *Store) List(ctx context.Context) ([]Provider, error) {
	entries, err := s.client.HGetAll(ctx, membershipKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	providers := make([]Provider, 0, len(entries))
	for url, data := range entries {
		var p Provider
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			// Corrupt entry; skip rather than failing the whole listing.
			continue
		}
		if p.URL == "" {
			p.URL = url
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// Delete removes a provider by URL.
func (s *Store) Delete(ctx context.Context, url string) error {
	return s.client.HDel(ctx, membershipKey, url).Err()
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SeedStatic loads static providers from the MCP_SERVICES JSON
// ([{"name":..., "url":...}]). Static providers are marked unknown
// until the first probe and are never removed by the monitor.
func (s *Store) SeedStatic(ctx context.Context, servicesJSON string) error {
	if servicesJSON == "" {
		return nil
	}
	var entries []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal([]byte(servicesJSON), &entries); err != nil {
		return fmt.Errorf("parsing MCP_SERVICES: %w", err)
	}
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		p := Provider{
			Name:     e.Name,
			URL:      e.URL,
			LastSeen: float64(time.Now().Unix()),
			Status:   StatusUnknown,
			IsStatic: true,
		}
		if err := s.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
