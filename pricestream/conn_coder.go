package pricestream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// Version is the SDK version reported to the server.
const Version = "0.3.0"

type coderWebsocketConn struct {
	conn    *websocket.Conn
	msgType websocket.MessageType
}

// newCoderWebsocketConn creates a new coder websocket connection
func newCoderWebsocketConn(ctx context.Context, u url.URL) (conn, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	reqHeader := http.Header{}
	reqHeader.Set("Content-Type", "application/msgpack")
	reqHeader.Set("User-Agent", "marketsync-go/"+Version)
	//nolint:bodyclose // According to its docs: you never need to close resp.Body yourself
	c, _, err := websocket.Dial(ctxWithTimeout, u.String(), &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		HTTPHeader:      reqHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c.SetReadLimit(-1)

	return &coderWebsocketConn{
		conn:    c,
		msgType: websocket.MessageBinary,
	}, nil
}

// close closes the websocket connection
func (c *coderWebsocketConn) close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// ping sends a ping to the server
func (c *coderWebsocketConn) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pongWait)
	defer cancel()

	return c.conn.Ping(pingCtx)
}

// readMessage blocks until it reads a single message
func (c *coderWebsocketConn) readMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// writeMessage writes a single message
func (c *coderWebsocketConn) writeMessage(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	return c.conn.Write(writeCtx, c.msgType, data)
}
