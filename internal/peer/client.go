// Package peer is the client side of the signaling protocol: a websocket
// client for the server's event stream and a mesh of pion peer connections
// driven by the voice events it receives.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parley/server/internal/protocol"
)

// ErrClosed is returned by Next and Send once the client is closed or the
// server dropped the connection.
var ErrClosed = errors.New("peer: client closed")

const (
	writeWait     = 10 * time.Second
	inboundBuffer = 64
)

// Client is a websocket connection to the signaling server.
type Client struct {
	conn *websocket.Conn

	// Ready is the greeting the server sent on connect.
	Ready protocol.Message

	writeMu sync.Mutex
	in      chan protocol.Message
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to wsURL with the bearer token and waits for the ready event.
func Dial(ctx context.Context, wsURL, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn: conn,
		in:   make(chan protocol.Message, inboundBuffer),
		done: make(chan struct{}),
	}
	go c.readLoop()

	ready, err := c.Next(ctx)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("wait for ready: %w", err)
	}
	if ready.Type != protocol.TypeReady {
		_ = c.Close()
		return nil, fmt.Errorf("expected %q, got %q", protocol.TypeReady, ready.Type)
	}
	c.Ready = ready
	return c, nil
}

// ID is the connection id the server assigned.
func (c *Client) ID() string {
	return c.Ready.ConnectionID
}

func (c *Client) readLoop() {
	defer close(c.in)
	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.fail(err)
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Err reports why the read side stopped, if it has.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Next returns the next inbound event.
func (c *Client) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			if err := c.Err(); err != nil {
				return protocol.Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return protocol.Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Send writes one event. It is safe for concurrent use.
func (c *Client) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Close sends a normal close frame and tears the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
