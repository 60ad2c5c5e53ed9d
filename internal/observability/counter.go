// Package observability tracks capture activity counters and renders them in
// Prometheus text format for scraping.
package observability

import (
	"sync"
	"sync/atomic"
)

// Counter counts occurrences grouped by a label value, e.g. capture outcomes.
type Counter struct {
	counts sync.Map // map[string]*atomic.Uint64
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the count for label.
func (c *Counter) Inc(label string) {
	if label == "" {
		return
	}
	c.counterFor(label).Add(1)
}

// Snapshot exposes a stable copy of the current counts.
func (c *Counter) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	c.counts.Range(func(key, value any) bool {
		label, ok := key.(string)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		out[label] = counter.Load()
		return true
	})
	return out
}

func (c *Counter) counterFor(label string) *atomic.Uint64 {
	if counter, ok := c.counts.Load(label); ok {
		if typed, ok := counter.(*atomic.Uint64); ok && typed != nil {
			return typed
		}
	}
	newCounter := &atomic.Uint64{}
	actual, _ := c.counts.LoadOrStore(label, newCounter)
	if typed, ok := actual.(*atomic.Uint64); ok && typed != nil {
		return typed
	}
	return newCounter
}
