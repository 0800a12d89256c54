package pricestream

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

func (c *Client) handleMessage(b []byte) error {
	d := msgpack.GetDecoder()
	defer msgpack.PutDecoder(d)

	reader := bytes.NewReader(b)
	d.Reset(reader)

	arrLen, err := d.DecodeArrayLen()
	if err != nil || arrLen < 1 {
		return err
	}

	for i := 0; i < arrLen; i++ {
		n, err := d.DecodeMapLen()
		if err != nil {
			return err
		}
		if n < 1 {
			continue
		}

		firstKey, err := d.DecodeString()
		if err != nil {
			return err
		}
		if firstKey != "T" {
			return fmt.Errorf("first key is not T but: %s", firstKey)
		}
		msgType, err := d.DecodeString()
		if err != nil {
			return err
		}
		n--

		switch msgType {
		case "t":
			err = c.handleTick(d, n)
		case "subscription":
			err = c.handleSubscriptionMessage(d, n)
		case "error":
			err = c.handleErrorMessage(d, n)
		default:
			err = c.handleOther(d, n)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) handleTick(d *msgpack.Decoder, n int) error {
	tick := PriceTick{Source: SourceLive}
	for i := 0; i < n; i++ {
		key, err := d.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "S":
			tick.Symbol, err = d.DecodeString()
		case "p":
			tick.Price, err = d.DecodeFloat64()
		case "c":
			tick.Change, err = d.DecodeFloat64()
		case "cp":
			tick.ChangePercent, err = d.DecodeFloat64()
		case "v":
			tick.Volume, err = d.DecodeUint64()
		case "t":
			tick.Timestamp, err = d.DecodeTime()
		default:
			err = d.Skip()
		}
		if err != nil {
			return err
		}
	}

	atomic.AddInt64(&c.ticksReceived, 1)
	c.prices.Put(tick)

	c.handlerMu.RLock()
	handler := c.tickHandler
	c.handlerMu.RUnlock()
	handler(tick)
	return nil
}

func (c *Client) handleSubscriptionMessage(d *msgpack.Decoder, n int) error {
	for i := 0; i < n; i++ {
		key, err := d.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "symbols":
			symbols, err := decodeStringSlice(d)
			if err != nil {
				return err
			}
			c.logger.Infof("marketsync: server confirmed subscriptions: %v", symbols)
		default:
			if err := d.Skip(); err != nil {
				return err
			}
		}
	}

	c.pendingSubChangeMutex.Lock()
	defer c.pendingSubChangeMutex.Unlock()
	if c.pendingSubChange != nil {
		c.pendingSubChange.result <- nil
		c.pendingSubChange = nil
	}

	return nil
}

func (c *Client) handleErrorMessage(d *msgpack.Decoder, n int) error {
	e := errorMessage{}
	for i := 0; i < n; i++ {
		key, err := d.DecodeString()
		if err != nil {
			return err
		}

		switch key {
		case "msg":
			e.msg, err = d.DecodeString()
		case "code":
			e.code, err = d.DecodeInt()
		default:
			err = d.Skip()
		}
		if err != nil {
			return err
		}
	}

	c.pendingSubChangeMutex.Lock()
	defer c.pendingSubChangeMutex.Unlock()
	if c.pendingSubChange != nil {
		c.pendingSubChange.result <- e
		c.pendingSubChange = nil
	}

	return nil
}

func (c *Client) handleOther(d *msgpack.Decoder, n int) error {
	for i := 0; i < n; i++ {
		// key
		if err := d.Skip(); err != nil {
			return err
		}
		// value
		if err := d.Skip(); err != nil {
			return err
		}
	}
	return nil
}

func decodeStringSlice(d *msgpack.Decoder) ([]string, error) {
	var length int
	var err error
	if length, err = d.DecodeArrayLen(); err != nil {
		return nil, err
	}
	res := make([]string, length)
	for i := 0; i < length; i++ {
		var s string
		if s, err = d.DecodeString(); err != nil {
			return nil, err
		}
		res[i] = s
	}
	return res, nil
}
