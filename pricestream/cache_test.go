package pricestream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	pc := NewPriceCache(20)

	_, ok := pc.Get("RELIANCE")
	require.False(t, ok)

	now := time.Now()
	stored := pc.Put(PriceTick{
		Symbol:    "RELIANCE",
		Price:     2456.75,
		Change:    12.5,
		Volume:    1250000,
		Timestamp: now,
		Source:    SourceLive,
	})
	require.True(t, stored)

	tick, ok := pc.Get("RELIANCE")
	require.True(t, ok)
	assert.Equal(t, 2456.75, tick.Price)
	assert.Equal(t, SourceLive, tick.Source)
	assert.Equal(t, 1, pc.Len())
}

func TestPutDiscardsOutOfOrderTicks(t *testing.T) {
	pc := NewPriceCache(20)
	now := time.Now()

	require.True(t, pc.Put(PriceTick{Symbol: "TCS", Price: 3500, Timestamp: now}))
	// a tick from the past must not move the price backwards
	require.False(t, pc.Put(PriceTick{Symbol: "TCS", Price: 3400, Timestamp: now.Add(-time.Second)}))

	tick, ok := pc.Get("TCS")
	require.True(t, ok)
	assert.Equal(t, 3500.0, tick.Price)

	// equal timestamps: last writer wins
	require.True(t, pc.Put(PriceTick{Symbol: "TCS", Price: 3510, Timestamp: now}))
	tick, _ = pc.Get("TCS")
	assert.Equal(t, 3510.0, tick.Price)
}

func TestIsStale(t *testing.T) {
	pc := NewPriceCache(20)
	now := time.Now()
	pc.nowFunc = func() time.Time { return now }

	assert.True(t, pc.IsStale("INFY", time.Minute))

	pc.Put(PriceTick{Symbol: "INFY", Price: 1500, Timestamp: now.Add(-30 * time.Second)})
	assert.False(t, pc.IsStale("INFY", time.Minute))

	pc.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }
	assert.True(t, pc.IsStale("INFY", time.Minute))
}

func TestLookupTagsStaleTicks(t *testing.T) {
	pc := NewPriceCache(20)
	now := time.Now()
	pc.nowFunc = func() time.Time { return now }

	_, ok := pc.Lookup("SBIN", time.Minute)
	require.False(t, ok)

	pc.Put(PriceTick{Symbol: "SBIN", Price: 600, Timestamp: now, Source: SourceLive})

	tick, ok := pc.Lookup("SBIN", time.Minute)
	require.True(t, ok)
	assert.Equal(t, SourceLive, tick.Source)

	pc.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }
	tick, ok = pc.Lookup("SBIN", time.Minute)
	require.True(t, ok)
	assert.Equal(t, SourceStale, tick.Source)

	// the stored tick keeps its original source
	stored, _ := pc.Get("SBIN")
	assert.Equal(t, SourceLive, stored.Source)
}

func TestAverageUsesRollingWindow(t *testing.T) {
	pc := NewPriceCache(3)

	_, ok := pc.Average("HDFC")
	require.False(t, ok)

	base := time.Now()
	for i, price := range []float64{100, 200, 300, 400} {
		pc.Put(PriceTick{Symbol: "HDFC", Price: price, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	// window of 3: the first tick fell out
	avg, ok := pc.Average("HDFC")
	require.True(t, ok)
	assert.InDelta(t, 300.0, avg, 0.0001)
}
