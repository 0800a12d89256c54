package pricestream

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/quantdash/marketsync-go/common"
)

// Option is a configuration option for the Client
type Option interface {
	apply(*options)
}

type options struct {
	logger          Logger
	baseURL         string
	key             string
	token           string
	reconnectLimit  int
	reconnectBase   time.Duration
	reconnectMax    time.Duration
	watchdogTimeout time.Duration
	processorCount  int
	bufferSize      int
	averageWindow   int

	connectCallback    func()
	disconnectCallback func()
	bufferFillCallback func([]byte)
	tickHandler        func(PriceTick)
	sub                []string

	// for testing only
	connCreator func(ctx context.Context, u url.URL) (conn, error)
}

type funcOption struct {
	f func(*options)
}

func (fo *funcOption) apply(o *options) {
	fo.f(o)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{
		f: f,
	}
}

// defaultOptions are the default options for a client.
// Don't change this in a backward incompatible way!
func defaultOptions() *options {
	baseURL := "wss://stream.quantdash.app/prices"
	if s := os.Getenv("MKS_STREAM_URL"); s != "" {
		baseURL = s
	}

	creds := common.CredentialsFromEnv()

	return &options{
		logger:          DefaultLogger(),
		baseURL:         baseURL,
		key:             creds.APIKey,
		token:           creds.AccessToken,
		reconnectLimit:  20,
		reconnectBase:   time.Second,
		reconnectMax:    30 * time.Second,
		watchdogTimeout: 30 * time.Second,
		processorCount:  1,
		bufferSize:      100000,
		averageWindow:   20,
		tickHandler:     func(PriceTick) {},
		connCreator:     newCoderWebsocketConn,
	}
}

func (o *options) apply(opts ...Option) {
	for _, opt := range opts {
		opt.apply(o)
	}
}

// WithLogger configures the logger
func WithLogger(logger Logger) Option {
	return newFuncOption(func(o *options) {
		o.logger = logger
	})
}

// WithBaseURL configures the price stream URL
func WithBaseURL(url string) Option {
	return newFuncOption(func(o *options) {
		o.baseURL = url
	})
}

// WithCredentials configures the API key and access token to use
func WithCredentials(key, token string) Option {
	return newFuncOption(func(o *options) {
		if key != "" {
			o.key = key
		}
		if token != "" {
			o.token = token
		}
	})
}

// WithReconnectSettings configures how many consecutive connection errors
// should be accepted and the backoff window between retries. The delay grows
// exponentially from base to max with ±20% jitter. limit = 0 means the
// client will keep retrying indefinitely unless it runs into an
// irrecoverable error (such as invalid credentials).
func WithReconnectSettings(limit int, base, max time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.reconnectLimit = limit
		o.reconnectBase = base
		o.reconnectMax = max
	})
}

// WithWatchdogTimeout configures how long the connection may stay silent
// while connected before it is treated as dead and forcibly reconnected.
// 0 disables the watchdog.
func WithWatchdogTimeout(d time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.watchdogTimeout = d
	})
}

// WithConnectCallback runs the callback function after the streaming connection is set up,
// including after every successful reconnect.
func WithConnectCallback(callback func()) Option {
	return newFuncOption(func(o *options) {
		o.connectCallback = callback
	})
}

// WithDisconnectCallback runs the callback function after the streaming connection drops.
func WithDisconnectCallback(callback func()) Option {
	return newFuncOption(func(o *options) {
		o.disconnectCallback = callback
	})
}

// WithBufferFillCallback runs the callback function whenever the tick buffer
// is full and a message cannot be delivered. This usually happens when tick
// handlers process messages slower than they arrive. This callback should
// run fast, so avoid any blocking instructions in it.
func WithBufferFillCallback(callback func(msg []byte)) Option {
	return newFuncOption(func(o *options) {
		o.bufferFillCallback = callback
	})
}

// WithProcessors configures how many goroutines should process incoming
// messages. Increasing this past 1 means that the order of processing is not
// necessarily the same as the order of arrival from the server.
func WithProcessors(count int) Option {
	return newFuncOption(func(o *options) {
		o.processorCount = count
	})
}

// WithBufferSize sets the size of the buffer that holds messages received
// from the server before they are processed
func WithBufferSize(size int) Option {
	return newFuncOption(func(o *options) {
		o.bufferSize = size
	})
}

// WithAverageWindow sets how many of the latest ticks per symbol feed the
// rolling average exposed by the price cache
func WithAverageWindow(n int) Option {
	return newFuncOption(func(o *options) {
		o.averageWindow = n
	})
}

// WithTicks configures initial symbols to subscribe to and the tick handler
func WithTicks(handler func(PriceTick), symbols ...string) Option {
	return newFuncOption(func(o *options) {
		o.tickHandler = handler
		o.sub = symbols
	})
}

func withConnCreator(connCreator func(ctx context.Context, u url.URL) (conn, error)) Option {
	return newFuncOption(func(o *options) {
		o.connCreator = connCreator
	})
}
