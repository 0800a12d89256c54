package pricestream

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type subChangeRequest struct {
	msg    []byte
	result chan error
}

var timeAfter = time.After

const subChangeTimeout = 3 * time.Second

// requestSubChange sends a subscribe or unsubscribe message for the given
// symbols and waits for its acknowledgement from the server. Before the
// first Connect call it is a no-op: the full subscription set is sent as
// part of connection setup.
func (c *Client) requestSubChange(subscribe bool, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	if !c.connectCalled {
		return nil
	}
	msg, err := subChangeMessage(subscribe, symbols)
	if err != nil {
		return err
	}
	request := subChangeRequest{
		result: make(chan error),
		msg:    msg,
	}
	if err := c.setSubChangeRequest(&request); err != nil {
		return err
	}

	select {
	case err := <-request.result:
		return err
	case <-timeAfter(subChangeTimeout):
		c.pendingSubChangeMutex.Lock()
		defer c.pendingSubChangeMutex.Unlock()
		c.pendingSubChange = nil
		// Drop the message if it hasn't been sent yet
		select {
		case <-c.subChanges:
			c.logger.Warnf("marketsync: removed queued subscription change due to timeout")
		default:
		}
	}
	return ErrSubscriptionChangeTimeout
}

func (c *Client) setSubChangeRequest(request *subChangeRequest) error {
	c.pendingSubChangeMutex.Lock()
	defer c.pendingSubChangeMutex.Unlock()
	if c.hasTerminated {
		return ErrSubscriptionChangeAfterTerminated
	}
	if c.pendingSubChange != nil {
		return ErrSubscriptionChangeAlreadyInProgress
	}
	c.pendingSubChange = request
	c.subChanges <- request.msg
	return nil
}

func subChangeMessage(subscribe bool, symbols []string) ([]byte, error) {
	action := "subscribe"
	if !subscribe {
		action = "unsubscribe"
	}
	return msgpack.Marshal(map[string]interface{}{
		"action":  action,
		"symbols": symbols,
	})
}
