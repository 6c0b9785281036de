// Package wsclient is a WebSocket client for the chat server. It connects
// with gobwas/ws (the same library the server uses), presents a bearer token
// during the handshake, and tracks per-connection performance metrics. The
// load test tool and the server's end-to-end tests both drive it.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrClosed is returned by Recv once the connection has gone away.
var ErrClosed = errors.New("wsclient: connection closed")

// Frame is one decoded server message.
type Frame struct {
	Type string
	Raw  json.RawMessage
	At   time.Time
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Dropped          int // frames discarded because the inbox was full
	Errors           int
}

// Client represents a single chat connection.
type Client struct {
	conn   net.Conn
	reader io.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(Frame)

	inbox     chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the chat server's WebSocket endpoint at url, sending token
// as a bearer credential. A rejected handshake returns an error mentioning
// the HTTP status.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}

	start := time.Now()
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		reader:   conn,
		handlers: make(map[string]func(Frame)),
		inbox:    make(chan Frame, 1024),
		done:     make(chan struct{}),
	}
	// The server may write right after the handshake; those bytes are
	// already in br.
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return err
}

// On registers a handler for a server message type. Handlers run on the read
// goroutine and must not block. Registering a second handler for the same
// type replaces the first.
func (c *Client) On(msgType string, handler func(Frame)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Recv returns the next frame, in arrival order.
func (c *Client) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}

	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// WaitFor returns the next frame of type msgType, discarding others.
func (c *Client) WaitFor(ctx context.Context, msgType string) (Frame, error) {
	for {
		f, err := c.Recv(ctx)
		if err != nil {
			return Frame{}, err
		}
		if f.Type == msgType {
			return f, nil
		}
	}
}

// Done is closed when the connection has gone away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection fails. Pings are answered
// with pongs; text frames are handed to the registered handler and queued
// for Recv.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		h, err := ws.ReadHeader(c.reader)
		if err != nil {
			c.recordError()
			return
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			c.recordError()
			return
		}
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}

		switch h.OpCode {
		case ws.OpPing:
			c.writeMu.Lock()
			err := ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewPongFrame(payload)))
			c.writeMu.Unlock()
			if err != nil {
				c.recordError()
				return
			}
			continue
		case ws.OpClose:
			return
		case ws.OpText:
		default:
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.recordError()
			continue
		}
		f := Frame{Type: envelope.Type, Raw: payload, At: time.Now()}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[f.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(f)
		}

		select {
		case c.inbox <- f:
		default:
			c.mu.Lock()
			c.metrics.Dropped++
			c.mu.Unlock()
		}
	}
}

func (c *Client) recordError() {
	select {
	case <-c.done:
		// Closed on purpose.
		return
	default:
	}
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}
