package filter

import (
	"fmt"
	"sync"
)

// Chain applies filters in sequence; the first rejection wins.
type Chain struct {
	filters []EventFilter
}

// NewChain creates a chain over the given filters.
func NewChain(filters ...EventFilter) *Chain {
	return &Chain{filters: filters}
}

// Add appends a filter to the chain.
func (c *Chain) Add(f EventFilter) {
	c.filters = append(c.filters, f)
}

// Check runs the event through every filter until one rejects it. The
// returned name identifies the rejecting filter; it is empty on allow.
func (c *Chain) Check(ev Event) (string, Verdict) {
	for _, f := range c.filters {
		if v := f.Check(ev); !v.Allow {
			return f.Name(), v
		}
	}
	return "", Allowed
}

// Factory builds a filter from a config map.
type Factory func(config map[string]any) (EventFilter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a filter factory available by name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Create builds a filter by registered name.
func Create(name string, config map[string]any) (EventFilter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("filter not found: %s", name)
	}
	return factory(config)
}
