package pricestream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var initializeTimeout = 3 * time.Second
var authRetryDelayMultiplier = 1
var authRetryCount = 15

// initialize performs the initial flow:
// 1. wait to be welcomed
// 2. authenticate (and wait for the response)
// 3. subscribe to the previously subscribed symbols (and wait for the response)
//
// If it runs into retriable errors during the flow it retries for a while
func (c *Client) initialize(ctx context.Context) error {
	if err := c.readConnected(ctx); err != nil {
		return fmt.Errorf("failed to read connected: %w", err)
	}

	if err := c.writeAuth(ctx); err != nil {
		return fmt.Errorf("failed to write auth: %w", err)
	}

	retriesLeft := authRetryCount
	for {
		err := c.readAuthResponse(ctx)
		if err == nil {
			break
		}
		if retriesLeft > 0 && isErrorRetriable(err) {
			retriesLeft--
			// Some errors are returned when a previous connection of the same
			// client is still active on the server. In this case the client
			// should wait a bit and retry
			timeToWait := time.Duration(authRetryCount-retriesLeft) * time.Duration(authRetryDelayMultiplier) * 100 * time.Millisecond
			c.logger.Infof("marketsync: auth error: %v, retrying in %s, retries left: %d", err, timeToWait, retriesLeft)
			time.Sleep(timeToWait)
			if err := c.writeAuth(ctx); err != nil {
				return fmt.Errorf("failed to write auth: %w", err)
			}
			continue
		}
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	symbols := c.registry.ActiveSymbols()
	if len(symbols) == 0 {
		return nil
	}

	if err := c.writeSub(ctx, symbols); err != nil {
		return fmt.Errorf("failed to write subscribe: %w", err)
	}

	if err := c.readSubResponse(ctx); err != nil {
		return fmt.Errorf("failed to read subscribe response: %w", err)
	}

	return nil
}

// isErrorRetriable returns whether the error is considered retriable during
// the initialization flow
func isErrorRetriable(err error) bool {
	return errors.Is(err, ErrConnectionLimitExceeded)
}

func (c *Client) readConnected(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	resp, err := c.conn.readMessage(ctxWithTimeout)
	if err != nil {
		return err
	}
	var resps []struct {
		T   string `msgpack:"T"`
		Msg string `msgpack:"msg"`
	}
	if err := msgpack.Unmarshal(resp, &resps); err != nil {
		return err
	}
	if len(resps) != 1 {
		return ErrNoConnected
	}
	if resps[0].T != "success" || resps[0].Msg != "connected" {
		return ErrNoConnected
	}
	return nil
}

func (c *Client) writeAuth(ctx context.Context) error {
	msg, err := msgpack.Marshal(map[string]string{
		"action": "auth",
		"key":    c.key,
		"token":  c.token,
	})
	if err != nil {
		return err
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	return c.conn.writeMessage(ctxWithTimeout, msg)
}

func (c *Client) readAuthResponse(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	resp, err := c.conn.readMessage(ctxWithTimeout)
	if err != nil {
		return err
	}
	var resps []struct {
		T    string `msgpack:"T"`
		Msg  string `msgpack:"msg"`
		Code int    `msgpack:"code"`
	}
	if err := msgpack.Unmarshal(resp, &resps); err != nil {
		return err
	}
	if len(resps) != 1 {
		return ErrBadAuthResponse
	}
	if resps[0].T == "error" {
		return errorMessage{
			msg:  resps[0].Msg,
			code: resps[0].Code,
		}
	}
	if resps[0].T != "success" || resps[0].Msg != "authenticated" {
		return ErrBadAuthResponse
	}

	return nil
}

func (c *Client) writeSub(ctx context.Context, symbols []string) error {
	msg, err := subChangeMessage(true, symbols)
	if err != nil {
		return err
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	return c.conn.writeMessage(ctxWithTimeout, msg)
}

func (c *Client) readSubResponse(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	resp, err := c.conn.readMessage(ctxWithTimeout)
	if err != nil {
		return err
	}
	var resps []struct {
		T       string   `msgpack:"T"`
		Msg     string   `msgpack:"msg"`
		Code    int      `msgpack:"code"`
		Symbols []string `msgpack:"symbols"`
	}
	if err := msgpack.Unmarshal(resp, &resps); err != nil {
		return err
	}
	if len(resps) != 1 {
		return ErrSubResponse
	}
	if resps[0].T == "error" {
		return fmt.Errorf("subscribe: error from server: %s", resps[0].Msg)
	}
	if resps[0].T != "subscription" {
		return ErrSubResponse
	}

	return nil
}
