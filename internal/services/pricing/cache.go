package pricing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sentinel fallback price used when no entry matches, so metering degrades
// to near-zero billing instead of failing the request.
const fallbackPrice = 0.00001

// Cache holds an in-memory snapshot of the price store, refreshed on a
// timer and on demand. Lookups never touch Redis.
type Cache struct {
	store  *Store
	logger *zap.Logger

	mu     sync.RWMutex
	prices map[string]Entry
	// Sorted key list for the snapshot, so substring matching is
	// deterministic within one snapshot.
	keys []string
}

func NewCache(store *Store, logger *zap.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger,
		prices: make(map[string]Entry),
	}
}

// Refresh replaces the snapshot with the full contents of the store.
func (c *Cache) Refresh(ctx context.Context) error {
	prices, err := c.store.All(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(prices))
	for k := range prices {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.mu.Lock()
	c.prices = prices
	c.keys = keys
	c.mu.Unlock()

	c.logger.Info("Price cache refreshed", zap.Int("models", len(prices)))
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

// Lookup resolves the unit prices for a model. Exact match on the
// normalized name wins; otherwise the first snapshot key that contains the
// name (or is contained by it) is used. On a miss the sentinel fallback is
// returned and found is false.
func (c *Cache) Lookup(model string) (entry Entry, found bool) {
	normalized := NormalizeModel(model)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.prices[normalized]; ok {
		return e, true
	}

	for _, key := range c.keys {
		if strings.Contains(key, normalized) || strings.Contains(normalized, key) {
			return c.prices[key], true
		}
	}

	c.logger.Warn("No price entry for model, using fallback",
		zap.String("model", model),
		zap.String("normalized", normalized))

	return Entry{InputPrice: fallbackPrice, OutputPrice: fallbackPrice}, false
}

// Run refreshes the snapshot on every interval tick until the context is
// cancelled. The caller performs the initial cold load.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("Price cache refresh failed", zap.Error(err))
			}
		}
	}
}
