// Package gas provides gas price selection for contract transactions.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultTTL is how long a suggested gas price is served from cache. Base
// blocks land every 2 seconds; a short TTL keeps prices current without an
// RPC round trip per transaction.
const DefaultTTL = 15 * time.Second

// Suggester returns the node's current gas price suggestion. Implemented by
// the Ethereum client.
type Suggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Oracle caches the node's gas price suggestion and clamps it to a ceiling.
type Oracle struct {
	suggester Suggester
	ttl       time.Duration
	ceiling   *big.Int // nil = uncapped

	mu         sync.RWMutex
	cached     *big.Int
	lastUpdate time.Time
}

// Option configures the oracle.
type Option func(*Oracle)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Oracle) { o.ttl = ttl }
}

// WithCeiling caps the price the oracle will ever return. Protects against a
// node suggesting an absurd price during fee spikes.
func WithCeiling(wei *big.Int) Option {
	return func(o *Oracle) { o.ceiling = wei }
}

// NewOracle creates a gas price oracle over the given suggester.
func NewOracle(s Suggester, opts ...Option) *Oracle {
	o := &Oracle{suggester: s, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Price returns the gas price to use for the next transaction. Serves from
// cache within the TTL; on a failed refresh, falls back to the last known
// price rather than failing the transaction.
func (o *Oracle) Price(ctx context.Context) (*big.Int, error) {
	o.mu.RLock()
	if o.cached != nil && time.Since(o.lastUpdate) < o.ttl {
		price := new(big.Int).Set(o.cached)
		o.mu.RUnlock()
		return o.clamp(price), nil
	}
	o.mu.RUnlock()

	fresh, err := o.suggester.SuggestGasPrice(ctx)
	if err != nil {
		o.mu.Lock()
		// Mark the cache stale so the next call retries immediately.
		o.lastUpdate = time.Time{}
		stale := o.cached
		o.mu.Unlock()
		if stale != nil {
			return o.clamp(new(big.Int).Set(stale)), nil
		}
		return nil, fmt.Errorf("gas: suggest price: %w", err)
	}

	o.mu.Lock()
	o.cached = new(big.Int).Set(fresh)
	o.lastUpdate = time.Now()
	o.mu.Unlock()

	return o.clamp(fresh), nil
}

func (o *Oracle) clamp(price *big.Int) *big.Int {
	if o.ceiling != nil && price.Cmp(o.ceiling) > 0 {
		return new(big.Int).Set(o.ceiling)
	}
	return price
}
