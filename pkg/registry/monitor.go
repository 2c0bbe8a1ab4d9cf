package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Monitor periodically probes registered providers and drives membership:
// a healthy probe refreshes last_seen, a failed probe marks the provider
// unhealthy and removes it if it is dynamic. Static providers are never
// removed, only re-statused.
type Monitor struct {
	store    *Store
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a health monitor. timeout bounds each probe.
func NewMonitor(store *Store, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		store:    store,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default(),
	}
}

// Start launches the background probe loop. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop shuts the monitor down and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	m.logger.Info("Provider health monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered provider once.
func (m *Monitor) CheckAll(ctx context.Context) {
	providers, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("Monitor failed to list providers", "error", err)
		return
	}
	for _, p := range providers {
		m.checkProvider(ctx, p)
	}
}

// checkProvider probes one provider's /health endpoint. The health base URL
// is the registered stream URL with its /sse suffix stripped.
func (m *Monitor) checkProvider(ctx context.Context, p Provider) {
	status := m.probe(ctx, p.URL)

	if status == StatusHealthy {
		p.Status = StatusHealthy
		p.LastSeen = float64(time.Now().Unix())
		if err := m.store.Upsert(ctx, p); err != nil {
			m.logger.Warn("Failed to refresh provider", "url", p.URL, "error", err)
		}
		return
	}

	if !p.IsStatic {
		m.logger.Info("Removing unhealthy dynamic provider", "name", p.Name, "url", p.URL, "status", status)
		if err := m.store.Delete(ctx, p.URL); err != nil {
			m.logger.Warn("Failed to remove provider", "url", p.URL, "error", err)
		}
		return
	}

	if p.Status != status {
		m.logger.Info("Static provider status changed", "name", p.Name, "url", p.URL, "status", status)
	}
	p.Status = status
	if err := m.store.Upsert(ctx, p); err != nil {
		m.logger.Warn("Failed to update provider status", "url", p.URL, "error", err)
	}
}

// probe issues the health request and maps the outcome to a status string.
func (m *Monitor) probe(ctx context.Context, streamURL string) string {
	healthURL := strings.TrimSuffix(streamURL, "/sse") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return StatusHealthy
	}
	return fmt.Sprintf("unhealthy (%d)", resp.StatusCode)
}
