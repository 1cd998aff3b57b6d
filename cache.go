package btcfaucet

import (
	"context"
	"sync"
	"time"

	"github.com/djschnei21/vault-plugin-btc-faucet/provision"
	"github.com/djschnei21/vault-plugin-btc-faucet/wallet"
)

// feeRateCache holds the last fee rate snapshot for ttl so consecutive
// estimate and provision calls do not hit the rate source each time
type feeRateCache struct {
	source provision.FeeRateSource
	ttl    time.Duration
	now    func() time.Time

	rates     *wallet.FeeRateSnapshot
	fetchedAt time.Time
	mu        sync.RWMutex
}

func newFeeRateCache(source provision.FeeRateSource, ttl time.Duration) *feeRateCache {
	return &feeRateCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

// FeeRates returns the cached snapshot if it is younger than ttl, otherwise
// fetches a fresh one. Fetch errors are not cached.
func (c *feeRateCache) FeeRates(ctx context.Context) (*wallet.FeeRateSnapshot, error) {
	if rates := c.get(); rates != nil {
		return rates, nil
	}

	rates, err := c.source.FeeRates(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := *rates
	c.rates = &snapshot
	c.fetchedAt = c.now()

	out := snapshot
	return &out, nil
}

// get returns a copy of the cached snapshot, or nil when missing or stale
func (c *feeRateCache) get() *wallet.FeeRateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rates == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil
	}
	out := *c.rates
	return &out
}
