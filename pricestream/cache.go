package pricestream

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// PriceCache holds the last known tick per symbol together with a rolling
// average of recent prices. Reads never block on network activity: a
// missing symbol simply reports a cache miss and callers fall back to the
// price carried by their REST payloads.
type PriceCache struct {
	mu       sync.RWMutex
	ticks    map[string]PriceTick
	averages map[string]*movingaverage.MovingAverage
	window   int
	nowFunc  func() time.Time
}

// NewPriceCache returns an empty cache whose rolling averages span the last
// window ticks per symbol.
func NewPriceCache(window int) *PriceCache {
	if window <= 0 {
		window = 20
	}
	return &PriceCache{
		ticks:    make(map[string]PriceTick),
		averages: make(map[string]*movingaverage.MovingAverage),
		window:   window,
		nowFunc:  time.Now,
	}
}

// Put stores tick as the latest price for its symbol and reports whether it
// was stored. Last writer wins on concurrent updates, except that a tick
// older than the one already stored is discarded: out of order delivery
// must not move a price backwards in time.
func (pc *PriceCache) Put(tick PriceTick) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if prev, ok := pc.ticks[tick.Symbol]; ok && tick.Timestamp.Before(prev.Timestamp) {
		return false
	}
	pc.ticks[tick.Symbol] = tick
	avg := pc.averages[tick.Symbol]
	if avg == nil {
		avg = movingaverage.New(pc.window)
		pc.averages[tick.Symbol] = avg
	}
	avg.Add(tick.Price)
	return true
}

// Get returns the latest tick for symbol. The second return value reports
// whether the symbol has been seen at all.
func (pc *PriceCache) Get(symbol string) (PriceTick, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	tick, ok := pc.ticks[symbol]
	return tick, ok
}

// IsStale reports whether the cached tick for symbol is older than maxAge.
// A symbol with no cached tick is always stale.
func (pc *PriceCache) IsStale(symbol string, maxAge time.Duration) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	tick, ok := pc.ticks[symbol]
	if !ok {
		return true
	}
	return pc.nowFunc().Sub(tick.Timestamp) > maxAge
}

// Lookup returns the latest tick for symbol with its Source downgraded to
// SourceStale when the tick is older than maxAge. The downgrade is a tag
// for display purposes only, the stored tick is left untouched.
func (pc *PriceCache) Lookup(symbol string, maxAge time.Duration) (PriceTick, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	tick, ok := pc.ticks[symbol]
	if !ok {
		return PriceTick{}, false
	}
	if maxAge > 0 && pc.nowFunc().Sub(tick.Timestamp) > maxAge {
		tick.Source = SourceStale
	}
	return tick, true
}

// Average returns the rolling average price over the configured window for
// symbol. The second return value reports whether any ticks have been seen.
func (pc *PriceCache) Average(symbol string) (float64, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	avg, ok := pc.averages[symbol]
	if !ok {
		return 0, false
	}
	return avg.Avg(), true
}

// Len returns the number of symbols with a cached tick.
func (pc *PriceCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.ticks)
}
