package pricestream

import "time"

// TickSource identifies where a price came from, so the UI can indicate
// freshness without the cache making that decision.
type TickSource string

const (
	// SourceLive marks a tick received over the price stream.
	SourceLive TickSource = "live"
	// SourceRest marks a price extracted from a REST payload.
	SourceRest TickSource = "rest"
	// SourceStale marks a price older than the caller's freshness window.
	SourceStale TickSource = "stale"
)

// PriceTick is a single price update for a symbol. Ticks are immutable
// snapshots: a newer tick for the same symbol replaces the prior one.
type PriceTick struct {
	Symbol        string
	Price         float64
	Change        float64
	ChangePercent float64
	Volume        uint64
	Timestamp     time.Time
	Source        TickSource
}

// ConnState describes the connection state machine of a Client.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnectionStatus is a point-in-time snapshot of the connection state
// machine. It is intended for display, not for control flow.
type ConnectionStatus struct {
	State             ConnState
	ReconnectAttempts int
	LastMessageAt     time.Time
}

// Stats is an observability snapshot across the stream client, its
// subscription registry and its price cache.
type Stats struct {
	ActiveSubscriptions int
	ReconnectAttempts   int
	LastMessageAt       time.Time
	TicksReceived       int64
	TicksDropped        int64
}

// errorMessage is an error received from the server
type errorMessage struct { //nolint:errname // Not an actual error.
	msg  string
	code int
}

func (e errorMessage) Error() string {
	return e.msg
}
