package cache

import (
	"log/slog"
	"time"
)

// Cache is a time-boxed memo. Callers own the instance and pass it to
// whatever needs it; nothing here is process-global.
type Cache[T any] interface {
	// Get retrieves a value from the cache
	Get(key string) (T, bool)

	// Set stores a value in the cache
	Set(key string, data T)

	// Delete removes a key from the cache
	Delete(key string)

	// Purge drops every entry
	Purge()

	// Size returns the current number of items in the cache
	Size() int
}

// Manager handles cache lifecycle and cleanup
type Manager struct {
	caches      map[string]Invalidator
	order       []string
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// Invalidator is the part of a cache the manager drives.
type Invalidator interface {
	CleanExpired() int
	Purge()
	Stats() Stats
}

// Stats is a point-in-time view of one cache.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// NewManager creates a new cache manager
func NewManager() *Manager {
	return &Manager{
		caches:      make(map[string]Invalidator),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
}

// Register adds a named cache for cleanup and explicit clearing.
func (m *Manager) Register(name string, c Invalidator) {
	if _, exists := m.caches[name]; !exists {
		m.order = append(m.order, name)
	}
	m.caches[name] = c
}

// Names lists registered caches in registration order.
func (m *Manager) Names() []string {
	return append([]string(nil), m.order...)
}

// Clear purges the named caches, or all of them when no name is given.
// Unknown names are ignored. It returns the names that were purged.
func (m *Manager) Clear(names ...string) []string {
	if len(names) == 0 {
		names = m.order
	}
	var cleared []string
	for _, n := range names {
		if c, ok := m.caches[n]; ok {
			c.Purge()
			cleared = append(cleared, n)
		}
	}
	return cleared
}

// Stats reports every registered cache by name.
func (m *Manager) Stats() map[string]Stats {
	out := make(map[string]Stats, len(m.order))
	for _, name := range m.order {
		out[name] = m.caches[name].Stats()
	}
	return out
}

// StartCleanup begins periodic cleanup of all registered caches
func (m *Manager) StartCleanup(interval time.Duration) {
	go m.cleanup(interval)
}

func (m *Manager) cleanup(interval time.Duration) {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			totalCleaned := 0
			for _, name := range m.order {
				totalCleaned += m.caches[name].CleanExpired()
			}
			if totalCleaned > 0 {
				slog.Debug("Expired cache entries removed", "count", totalCleaned)
			}
		case <-m.stopCleanup:
			return
		}
	}
}

// Stop gracefully stops the cleanup routine. Only call after StartCleanup.
func (m *Manager) Stop() {
	if m.stopCleanup != nil {
		close(m.stopCleanup)
		<-m.cleanupDone
		m.stopCleanup = nil
	}
}
