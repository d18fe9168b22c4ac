// Package cache holds the latest known price per symbol. It is the only
// shared mutable state of the ingestion core; every writer goes through
// Update so timestamps per symbol never move backward.
package cache

import (
	"sort"
	"sync"
	"time"

	"pricecore/models"
)

// Observer is called after each applied update. previous is nil for the
// first sample of a symbol.
type Observer func(sample models.PriceSample, previous *models.PriceSample)

type PriceCache struct {
	mu           sync.RWMutex
	entries      map[string]models.PriceSample
	lastBySource map[models.Source]time.Time

	observersMu sync.RWMutex
	observers   []Observer

	now func() time.Time
}

func New() *PriceCache {
	return &PriceCache{
		entries:      make(map[string]models.PriceSample),
		lastBySource: make(map[models.Source]time.Time),
		now:          time.Now,
	}
}

// Observe registers fn for every applied update. Observers must not block;
// the event bus enqueues and returns.
func (c *PriceCache) Observe(fn Observer) {
	c.observersMu.Lock()
	c.observers = append(c.observers, fn)
	c.observersMu.Unlock()
}

// Update stores sample unless the cache already holds a strictly newer one
// for the symbol. Equal timestamps overwrite. It reports whether the sample
// was applied.
func (c *PriceCache) Update(sample models.PriceSample) bool {
	sample.Symbol = models.NormalizeSymbol(sample.Symbol)
	if sample.Symbol == "" || !sample.Price.IsPositive() {
		return false
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = c.now()
	}

	c.mu.Lock()
	prev, ok := c.entries[sample.Symbol]
	if ok && sample.Timestamp.Before(prev.Timestamp) {
		c.mu.Unlock()
		return false
	}
	c.entries[sample.Symbol] = sample
	c.lastBySource[sample.Source] = c.now()
	c.mu.Unlock()

	var previous *models.PriceSample
	if ok {
		previous = &prev
	}
	c.observersMu.RLock()
	observers := c.observers
	c.observersMu.RUnlock()
	for _, fn := range observers {
		fn(sample, previous)
	}
	return true
}

func (c *PriceCache) Get(symbol string) (models.PriceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[models.NormalizeSymbol(symbol)]
	return s, ok
}

// GetAll returns a copy of every entry ordered by symbol.
func (c *PriceCache) GetAll() []models.PriceSample {
	c.mu.RLock()
	out := make([]models.PriceSample, 0, len(c.entries))
	for _, s := range c.entries {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Age is the time since the symbol's sample timestamp, or -1 when absent.
func (c *PriceCache) Age(symbol string) time.Duration {
	age, ok := c.AgeOf(symbol)
	if !ok {
		return -1
	}
	return age
}

func (c *PriceCache) AgeOf(symbol string) (time.Duration, bool) {
	s, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	age := c.now().Sub(s.Timestamp)
	if age < 0 {
		age = 0
	}
	return age, true
}

// LastUpdate is the wall-clock time of the last applied sample from source.
func (c *PriceCache) LastUpdate(source models.Source) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastBySource[source]
	return t, ok
}

func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Symbols returns the cached symbols in sorted order.
func (c *PriceCache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
