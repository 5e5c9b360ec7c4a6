// Package venue holds the lookup of venue clients keyed by venue identifier.
// Adding a venue means registering a client here; the scanner, gate and
// executor never branch on venue names.
package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/yieldrouter/internal/domain"
)

// Registry maps venue identifiers to their clients
type Registry struct {
	mu      sync.RWMutex
	clients map[string]domain.VenueClient
}

// NewRegistry creates a registry pre-populated with clients
func NewRegistry(clients ...domain.VenueClient) *Registry {
	r := &Registry{clients: make(map[string]domain.VenueClient)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for c.Name()
func (r *Registry) Register(c domain.VenueClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get returns the client registered for a venue
func (r *Registry) Get(name string) (domain.VenueClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownVenue, name)
	}
	return c, nil
}

// Has reports whether a venue is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// Names returns the registered venue identifiers in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
