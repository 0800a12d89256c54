package pricestream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantdash/marketsync-go/internal/backoff"
	"github.com/quantdash/marketsync-go/internal/ctxtime"
)

const reconnectJitter = 0.2

// Client owns the single live-price websocket connection of a process and
// multiplexes it across many consumers.
//
// After constructing, Connect() must be called before any ticks arrive.
// Connect keeps the connection alive and reestablishes it with exponential
// backoff until a configured number of consecutive attempts has failed.
// Every successful reconnect re-sends the full current subscription set
// from the registry: subscriptions are not assumed to survive reconnects.
//
// Terminated() returns a channel that the client sends an error to when it
// has terminated. A client can not be reused once it has terminated!
//
// Consumers register interest in symbols through Registry().Subscribe and
// read the latest prices through Prices(). Incoming ticks flow through a
// bounded buffer; when the buffer is full, ticks are dropped and counted
// rather than blocking the reader.
type Client struct {
	logger Logger

	baseURL string
	key     string
	token   string

	reconnectLimit  int
	reconnectBase   time.Duration
	reconnectMax    time.Duration
	watchdogTimeout time.Duration
	processorCount  int
	bufferSize      int
	connectOnce     sync.Once
	connectCalled   bool
	hasTerminated   bool
	terminatedChan  chan error
	conn            conn
	in              chan []byte
	subChanges      chan []byte
	cancel          context.CancelFunc

	registry *Registry
	prices   *PriceCache

	handlerMu   sync.RWMutex
	tickHandler func(PriceTick)

	connectCallback    func()
	disconnectCallback func()
	bufferFillCallback func([]byte)

	stateMu           sync.RWMutex
	state             ConnState
	reconnectAttempts int

	lastMessageNs int64
	ticksReceived int64
	ticksDropped  int64

	pendingSubChangeMutex sync.Mutex
	pendingSubChange      *subChangeRequest

	connCreator func(ctx context.Context, u url.URL) (conn, error)
}

// NewClient returns a new Client whose default configuration is modified by opts.
func NewClient(opts ...Option) *Client {
	c := &Client{
		terminatedChan: make(chan error, 1),
		subChanges:     make(chan []byte, 1),
		state:          StateDisconnected,
	}
	o := defaultOptions()
	o.apply(opts...)
	c.configure(*o)
	c.registry = newRegistry(c, c.logger)
	c.prices = NewPriceCache(o.averageWindow)
	if len(o.sub) > 0 {
		// Recorded only: the wire message is sent as part of connection setup.
		if _, err := c.registry.Subscribe(o.sub, "initial"); err != nil {
			c.logger.Errorf("marketsync: recording initial subscriptions: %v", err)
		}
	}
	return c
}

func (c *Client) configure(o options) {
	c.logger = o.logger
	c.baseURL = o.baseURL
	c.key = o.key
	c.token = o.token
	c.reconnectLimit = o.reconnectLimit
	c.reconnectBase = o.reconnectBase
	c.reconnectMax = o.reconnectMax
	c.watchdogTimeout = o.watchdogTimeout
	c.processorCount = o.processorCount
	c.bufferSize = o.bufferSize
	c.connectCallback = o.connectCallback
	c.disconnectCallback = o.disconnectCallback
	c.bufferFillCallback = o.bufferFillCallback
	c.tickHandler = o.tickHandler
	c.connCreator = o.connCreator
}

// Registry returns the subscription registry bound to this client.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Prices returns the price cache fed by this client's tick stream.
func (c *Client) Prices() *PriceCache {
	return c.prices
}

// OnTick replaces the handler invoked for every incoming price tick.
func (c *Client) OnTick(handler func(PriceTick)) {
	c.handlerMu.Lock()
	c.tickHandler = handler
	c.handlerMu.Unlock()
}

// Connect establishes the connection and reestablishes it when errors occur
// as long as the configured number of retries has not been exceeded.
//
// It blocks until the connection has been established for the first time
// (or it failed to do so).
//
// Should only be called once!
func (c *Client) Connect(ctx context.Context) error {
	u, err := c.constructURL()
	if err != nil {
		return err
	}
	err = ErrConnectCalledMultipleTimes
	c.connectOnce.Do(func() {
		connCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		err = c.connectAndMaintainConnection(connCtx, u)
		if err != nil {
			c.terminatedChan <- err
			close(c.terminatedChan)
		}
		c.connectCalled = true
	})
	return err
}

// Disconnect tears the connection down. The client terminates and sends nil
// on Terminated().
func (c *Client) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Terminated returns a channel that the client sends an error to when it has
// terminated. The channel is also closed upon termination.
func (c *Client) Terminated() <-chan error {
	return c.terminatedChan
}

// Status returns a snapshot of the connection state machine.
func (c *Client) Status() ConnectionStatus {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return ConnectionStatus{
		State:             c.state,
		ReconnectAttempts: c.reconnectAttempts,
		LastMessageAt:     c.LastMessageAt(),
	}
}

// Stats returns an observability snapshot. It is intended for display, not
// for control flow.
func (c *Client) Stats() Stats {
	c.stateMu.RLock()
	attempts := c.reconnectAttempts
	c.stateMu.RUnlock()
	return Stats{
		ActiveSubscriptions: c.registry.Len(),
		ReconnectAttempts:   attempts,
		LastMessageAt:       c.LastMessageAt(),
		TicksReceived:       atomic.LoadInt64(&c.ticksReceived),
		TicksDropped:        atomic.LoadInt64(&c.ticksDropped),
	}
}

// LastMessageAt returns the arrival time of the most recent server message,
// or the zero time if none has arrived yet.
func (c *Client) LastMessageAt() time.Time {
	ns := atomic.LoadInt64(&c.lastMessageNs)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) markMessageReceived() {
	atomic.StoreInt64(&c.lastMessageNs, time.Now().UnixNano())
}

func (c *Client) setState(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Client) setReconnectAttempts(n int) {
	c.stateMu.Lock()
	c.reconnectAttempts = n
	c.stateMu.Unlock()
}

func (c *Client) constructURL() (url.URL, error) {
	scheme := "wss"
	ub, err := url.Parse(c.baseURL)
	if err != nil {
		return url.URL{}, err
	}
	switch ub.Scheme {
	case "http", "ws":
		scheme = "ws"
	}

	return url.URL{Scheme: scheme, Host: ub.Host, Path: ub.Path}, nil
}

func (c *Client) connectAndMaintainConnection(ctx context.Context, u url.URL) error {
	initialResultCh := make(chan error)
	go c.maintainConnection(ctx, u, initialResultCh)
	return <-initialResultCh
}

// maintainConnection initializes a connection to u, starts the necessary goroutines
// and recreates them if there was an error as long as reconnectLimit consecutive
// connection initialization errors don't occur. It sends the first connection
// initialization's result to initialResultCh.
func (c *Client) maintainConnection(ctx context.Context, u url.URL, initialResultCh chan<- error) {
	var connError error
	failedAttemptsInARow := 0
	connectedAtLeastOnce := false
	bo := backoff.New(c.reconnectBase, c.reconnectMax, reconnectJitter)

	defer func() {
		// If there is a pending sub change we should terminate that
		c.pendingSubChangeMutex.Lock()
		defer c.pendingSubChangeMutex.Unlock()
		if c.pendingSubChange != nil {
			c.pendingSubChange.result <- ErrSubscriptionChangeInterrupted
		}
		c.pendingSubChange = nil
		c.hasTerminated = true
		c.setState(StateDisconnected)
		// if we haven't connected at least once then Connect should close the channel
		if connectedAtLeastOnce {
			close(c.terminatedChan)
		}
	}()

	sendError := func(err error) {
		if !connectedAtLeastOnce {
			initialResultCh <- err
		} else {
			c.terminatedChan <- err
		}
	}

	for {
		select {
		case <-ctx.Done():
			if !connectedAtLeastOnce {
				c.logger.Warnf("marketsync: cancelled before connection could be established, last error: %v", connError)
				err := fmt.Errorf("cancelled before connection could be established, last error: %w", connError)
				initialResultCh <- err
			} else {
				c.terminatedChan <- nil
			}
			return
		default:
			if c.reconnectLimit != 0 && failedAttemptsInARow >= c.reconnectLimit {
				c.logger.Errorf("marketsync: max reconnect limit has been reached, last error: %v", connError)
				e := fmt.Errorf("max reconnect limit has been reached, last error: %w", connError)
				sendError(e)
				return
			}
			if connectedAtLeastOnce {
				c.setState(StateReconnecting)
			} else {
				c.setState(StateConnecting)
			}
			if failedAttemptsInARow > 0 {
				if ctxtime.Sleep(ctx, bo.Next()) != nil {
					continue // handled by the ctx.Done case
				}
			}
			failedAttemptsInARow++
			c.setReconnectAttempts(failedAttemptsInARow)
			c.logger.Infof("marketsync: connecting to %s, attempt %d/%d ...", u.String(), failedAttemptsInARow, c.reconnectLimit)
			conn, err := c.connCreator(ctx, u)
			if err != nil {
				connError = err
				c.logger.Warnf("marketsync: failed to connect, error: %v", err)
				continue
			}
			c.conn = conn

			c.logger.Infof("marketsync: established connection")
			if err := c.initialize(ctx); err != nil {
				connError = err
				c.conn.close()
				if isErrorIrrecoverable(err) {
					c.logger.Errorf("marketsync: irrecoverable error during connection initialization: %v", err)
					e := fmt.Errorf("irrecoverable error during connection initialization: %w", err)
					sendError(e)
					return
				}
				c.logger.Warnf("marketsync: connection setup failed, error: %v", err)
				continue
			}
			c.logger.Infof("marketsync: finished connection setup")
			connError = nil
			if !connectedAtLeastOnce {
				initialResultCh <- nil
				connectedAtLeastOnce = true
			}
			failedAttemptsInARow = 0
			bo.Reset()
			c.setReconnectAttempts(0)
			c.setState(StateConnected)
			c.markMessageReceived()
			if cb := c.connectCallback; cb != nil {
				cb()
			}

			c.in = make(chan []byte, c.bufferSize)
			wg := sync.WaitGroup{}
			wg.Add(c.processorCount + 3)
			closeCh := make(chan struct{})
			for i := 0; i < c.processorCount; i++ {
				go c.messageProcessor(ctx, &wg)
			}
			go c.connPinger(ctx, &wg, closeCh)
			go c.connReader(ctx, &wg, closeCh)
			go c.connWriter(ctx, &wg, closeCh)
			wg.Wait()
			if cb := c.disconnectCallback; cb != nil {
				cb()
			}
			if ctx.Err() != nil {
				c.logger.Infof("marketsync: disconnected")
			} else {
				c.logger.Warnf("marketsync: connection lost")
			}
		}
	}
}

// isErrorIrrecoverable returns whether the error is irrecoverable and further retries should
// not take place
func isErrorIrrecoverable(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

var newPingTicker = func() ticker {
	return &timeTicker{ticker: time.NewTicker(pingPeriod)}
}

// connPinger periodically calls c.conn.ping to ensure the connection is still
// alive. It also acts as the watchdog: a connection that stays silent longer
// than watchdogTimeout is treated as dead even if the transport has not
// reported an error yet.
func (c *Client) connPinger(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	pingTicker := newPingTicker()
	defer func() {
		pingTicker.Stop()
		c.conn.close()
		wg.Done()
	}()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case <-pingTicker.C():
			if c.watchdogTimeout > 0 {
				if silence := time.Since(c.LastMessageAt()); silence > c.watchdogTimeout {
					c.logger.Warnf("marketsync: no message received for %s, assuming silent connection failure", silence)
					return
				}
			}
			if err := c.conn.ping(ctx); err != nil {
				if ctx.Err() == nil {
					c.logger.Errorf("marketsync: ping failed, error: %v", err)
				}
				return
			}
		}
	}
}

// connReader reads from c.conn and sends those messages to c.in.
// It is also responsible for closing closeCh that terminates the other worker
// goroutines and also for closing c.in which terminates messageProcessors.
func (c *Client) connReader(
	ctx context.Context,
	wg *sync.WaitGroup,
	closeCh chan<- struct{},
) {
	defer func() {
		close(closeCh)
		c.conn.close()
		close(c.in)
		wg.Done()
	}()

	for {
		msg, err := c.conn.readMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Errorf("marketsync: reading from conn failed, error: %v", err)
			}
			return
		}

		c.markMessageReceived()
		select {
		case c.in <- msg:
		default:
			atomic.AddInt64(&c.ticksDropped, 1)
			if cb := c.bufferFillCallback; cb != nil {
				cb(msg)
			}
		}
	}
}

// connWriter handles writing messages from c.subChanges to c.conn
func (c *Client) connWriter(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	defer func() {
		c.conn.close()
		wg.Done()
	}()

	// We need to make sure that the pending sub change is handled
	// Goal: make sure the message is in c.subChanges
	c.pendingSubChangeMutex.Lock()
	if c.pendingSubChange != nil {
		select {
		case <-c.subChanges:
		default:
		}
		c.subChanges <- c.pendingSubChange.msg
	}
	c.pendingSubChangeMutex.Unlock()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case msg := <-c.subChanges:
			if err := c.conn.writeMessage(ctx, msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Errorf("marketsync: writing to conn failed, error: %v", err)
				}
				return
			}
		}
	}
}

// messageProcessor reads from c.in (while it's open) and processes the messages
func (c *Client) messageProcessor(
	ctx context.Context,
	wg *sync.WaitGroup,
) {
	defer func() {
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.in:
			if !ok {
				return
			}
			err := c.handleMessage(msg)
			if err != nil {
				c.logger.Errorf("marketsync: could not handle message, error: %v", err)
			}
		}
	}
}
