// Package contracts caches per-symbol exchange trading metadata.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeloop/internal/logger"
	"tradeloop/internal/types"
)

const DefaultTTL = 30 * time.Minute

var ErrRefreshInProgress = errors.New("contract spec refresh already in progress")

// Loader lists contract metadata for every tradable symbol.
type Loader interface {
	ContractSpecs(ctx context.Context) (map[string]types.ContractSpec, error)
}

// Cache holds ContractSpecs with a TTL and a single-flight refresh flag.
// A caller that loses the refresh race proceeds with whatever is cached.
type Cache struct {
	loader Loader
	ttl    time.Duration

	mu            sync.RWMutex
	specs         map[string]types.ContractSpec
	lastRefreshed time.Time

	refreshing atomic.Bool
	nowFn      func() time.Time
	log        logger.Component
}

func NewCache(loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		loader: loader,
		ttl:    ttl,
		specs:  make(map[string]types.ContractSpec),
		nowFn:  time.Now,
		log:    logger.With("contracts"),
	}
}

func (c *Cache) Get(symbol string) (types.ContractSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[symbol]
	return spec, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}

func (c *Cache) LastRefreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefreshed
}

// NeedsRefresh reports whether any required symbol is absent or the cache
// is older than the TTL.
func (c *Cache) NeedsRefresh(symbols []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRefreshed.IsZero() || c.nowFn().Sub(c.lastRefreshed) >= c.ttl {
		return true
	}
	for _, s := range symbols {
		if _, ok := c.specs[s]; !ok {
			return true
		}
	}
	return false
}

// RefreshIfNeeded refreshes when NeedsRefresh says so. It never returns an
// error: a failed refresh is logged, lastRefreshed is left untouched so the
// next cycle retries, and callers continue with the existing specs.
// The return value reports whether a refresh actually succeeded.
func (c *Cache) RefreshIfNeeded(ctx context.Context, symbols []string) bool {
	if !c.NeedsRefresh(symbols) {
		return false
	}
	if err := c.Refresh(ctx); err != nil {
		if errors.Is(err, ErrRefreshInProgress) {
			c.log.Debugf("refresh skipped: %v", err)
			return false
		}
		c.log.Warnf("refresh failed, keeping %d cached specs: %v", c.Len(), err)
		return false
	}
	return true
}

// Refresh loads all specs unconditionally. Used at startup where a failure
// must be surfaced to the retry policy.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.loader == nil {
		return errors.New("contract spec loader is nil")
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	defer c.refreshing.Store(false)

	specs, err := c.loader.ContractSpecs(ctx)
	if err != nil {
		return fmt.Errorf("load contract specs: %w", err)
	}
	if len(specs) == 0 {
		return errors.New("load contract specs: exchange returned no symbols")
	}
	next := make(map[string]types.ContractSpec, len(specs))
	for sym, spec := range specs {
		if spec.Symbol == "" {
			spec.Symbol = sym
		}
		next[sym] = spec
	}
	c.mu.Lock()
	c.specs = next
	c.lastRefreshed = c.nowFn()
	c.mu.Unlock()
	c.log.Infof("loaded %d contract specs", len(next))
	return nil
}

func (c *Cache) Refreshing() bool {
	return c.refreshing.Load()
}

// Reset drops all specs and clears the single-flight flag.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.specs = make(map[string]types.ContractSpec)
	c.lastRefreshed = time.Time{}
	c.mu.Unlock()
	c.refreshing.Store(false)
}
