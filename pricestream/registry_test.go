package pricestream

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type subCall struct {
	subscribe bool
	symbols   []string
}

type fakeSender struct {
	mu    sync.Mutex
	calls []subCall
	err   error
}

var _ subSender = (*fakeSender)(nil)

func (f *fakeSender) requestSubChange(subscribe bool, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := make([]string, len(symbols))
	copy(cp, symbols)
	f.calls = append(f.calls, subCall{subscribe: subscribe, symbols: cp})
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRegistry() (*Registry, *fakeSender) {
	sender := &fakeSender{}
	return newRegistry(sender, DefaultLogger()), sender
}

func TestSubscribeSendsSingleBatchedMessage(t *testing.T) {
	reg, sender := newTestRegistry()

	lease, err := reg.Subscribe([]string{"RELIANCE", "TCS", "INFY"}, "watchlist")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.NotEmpty(t, lease.ID())

	require.Equal(t, 1, sender.callCount())
	assert.True(t, sender.calls[0].subscribe)
	assert.ElementsMatch(t, []string{"RELIANCE", "TCS", "INFY"}, sender.calls[0].symbols)
	assert.Equal(t, []string{"INFY", "RELIANCE", "TCS"}, reg.ActiveSymbols())
}

func TestSharedSymbolsCauseNoExtraTraffic(t *testing.T) {
	reg, sender := newTestRegistry()

	leaseA, err := reg.Subscribe([]string{"RELIANCE", "TCS"}, "widget-a")
	require.NoError(t, err)
	require.Equal(t, 1, sender.callCount())

	// RELIANCE is already on the wire, only INFY is new
	leaseB, err := reg.Subscribe([]string{"RELIANCE", "INFY"}, "widget-b")
	require.NoError(t, err)
	require.Equal(t, 2, sender.callCount())
	assert.Equal(t, []string{"INFY"}, sender.calls[1].symbols)
	assert.Equal(t, 2, reg.Count("RELIANCE"))

	// widget-a goes away: TCS loses its last holder, RELIANCE stays
	require.NoError(t, leaseA.Release())
	require.Equal(t, 3, sender.callCount())
	assert.False(t, sender.calls[2].subscribe)
	assert.Equal(t, []string{"TCS"}, sender.calls[2].symbols)
	assert.Equal(t, 1, reg.Count("RELIANCE"))
	assert.Equal(t, []string{"INFY", "RELIANCE"}, reg.ActiveSymbols())

	require.NoError(t, leaseB.Release())
	require.Equal(t, 4, sender.callCount())
	assert.ElementsMatch(t, []string{"RELIANCE", "INFY"}, sender.calls[3].symbols)
	assert.Empty(t, reg.ActiveSymbols())
}

func TestReleaseTwiceReturnsError(t *testing.T) {
	reg, sender := newTestRegistry()

	lease, err := reg.Subscribe([]string{"HDFC"}, "chart")
	require.NoError(t, err)

	require.NoError(t, lease.Release())
	err = lease.Release()
	require.ErrorIs(t, err, ErrLeaseReleased)

	// the double release must not have sent a second unsubscribe
	require.Equal(t, 2, sender.callCount())
	assert.Equal(t, 0, reg.Count("HDFC"))
}

func TestSubscribeRollsBackOnSendError(t *testing.T) {
	reg, sender := newTestRegistry()
	sender.err = ErrSymbolLimitExceeded

	lease, err := reg.Subscribe([]string{"RELIANCE", "TCS"}, "watchlist")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSymbolLimitExceeded)
	require.Nil(t, lease)

	assert.Empty(t, reg.ActiveSymbols())
	assert.Equal(t, 0, reg.Len())

	// a later subscribe for the same symbols starts from a clean slate
	sender.err = nil
	_, err = reg.Subscribe([]string{"RELIANCE"}, "watchlist")
	require.NoError(t, err)
	assert.Equal(t, []string{"RELIANCE"}, sender.calls[0].symbols)
}

func TestSubscribeDeduplicatesSymbols(t *testing.T) {
	reg, sender := newTestRegistry()

	lease, err := reg.Subscribe([]string{"TCS", "TCS", "", "TCS"}, "chart")
	require.NoError(t, err)

	require.Equal(t, 1, sender.callCount())
	assert.Equal(t, []string{"TCS"}, sender.calls[0].symbols)
	assert.Equal(t, 1, reg.Count("TCS"))
	assert.Equal(t, []string{"TCS"}, lease.Symbols())

	require.NoError(t, lease.Release())
	assert.Equal(t, 0, reg.Count("TCS"))
}

func TestSameConsumerMultipleLeases(t *testing.T) {
	reg, sender := newTestRegistry()

	lease1, err := reg.Subscribe([]string{"INFY"}, "chart")
	require.NoError(t, err)
	lease2, err := reg.Subscribe([]string{"INFY"}, "chart")
	require.NoError(t, err)
	assert.NotEqual(t, lease1.ID(), lease2.ID())
	assert.Equal(t, 2, reg.Count("INFY"))

	require.NoError(t, lease1.Release())
	assert.Equal(t, 1, reg.Count("INFY"))
	assert.Equal(t, []string{"INFY"}, reg.ActiveSymbols())

	require.NoError(t, lease2.Release())
	assert.Empty(t, reg.ActiveSymbols())
	require.Equal(t, 2, sender.callCount())
}

func TestReleaseReportsUnsubscribeError(t *testing.T) {
	reg, sender := newTestRegistry()

	lease, err := reg.Subscribe([]string{"SBIN"}, "chart")
	require.NoError(t, err)

	sender.err = errors.New("conn gone")
	err = lease.Release()
	require.Error(t, err)

	// the registry no longer tracks the symbol: the next connection setup
	// simply won't include it
	assert.Empty(t, reg.ActiveSymbols())
}
