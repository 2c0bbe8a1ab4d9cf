package mcp

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Per-provider connection limiting. Semaphores are keyed by provider URL,
// process-global, and created lazily on first call; the width is policy
// (configuration), not discovered from the provider.
var (
	semaphoresMu sync.Mutex
	semaphores   = make(map[string]*semaphore.Weighted)
)

// providerSemaphore returns the semaphore bounding concurrent calls to the
// provider at url. The width is fixed at creation; later width changes
// require a process restart.
func providerSemaphore(url string, width int64) *semaphore.Weighted {
	if width <= 0 {
		width = 1
	}
	semaphoresMu.Lock()
	defer semaphoresMu.Unlock()
	sem, ok := semaphores[url]
	if !ok {
		sem = semaphore.NewWeighted(width)
		semaphores[url] = sem
	}
	return sem
}
