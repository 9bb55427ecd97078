// Package whatsapp bridges a WhatsApp gateway to the tutor engine.
//
// The gateway owns the WhatsApp session (pairing, auth state, media)
// and exposes a small JSON-over-WebSocket protocol: it pushes "qr",
// "ready", "message", and "disconnected" events, and accepts "send"
// and "typing" commands acknowledged by id-correlated "result" frames.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ackTimeout bounds how long a command waits for its gateway result.
const ackTimeout = 30 * time.Second

// Client manages the WebSocket connection to the WhatsApp gateway.
type Client struct {
	gatewayURL string
	token      string
	logger     *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	cmdID  atomic.Int64

	pending   map[int64]chan gwResponse
	pendingMu sync.Mutex

	messages chan *Message
	done     chan struct{}
}

// NewClient creates a gateway client. Call Connect to establish the
// WebSocket session.
func NewClient(gatewayURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		gatewayURL: gatewayURL,
		token:      token,
		logger:     logger,
		pending:    make(map[int64]chan gwResponse),
		messages:   make(chan *Message, 64),
		done:       make(chan struct{}),
	}
}

// Connect dials the gateway and starts the read loop. Must be called
// exactly once.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.gatewayURL)
	if err != nil {
		return fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to WhatsApp gateway", "url", u.String())

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Messages returns the channel of inbound chat messages. The channel
// is closed when the connection is lost.
func (c *Client) Messages() <-chan *Message {
	return c.messages
}

// Done is closed when the read loop exits, signalling that the
// gateway connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send delivers a text message to a chat.
func (c *Client) Send(ctx context.Context, chatID, body string) error {
	return c.command(ctx, map[string]any{
		"type":    "send",
		"chat_id": chatID,
		"text":    body,
	})
}

// SendTyping toggles the typing indicator for a chat.
func (c *Client) SendTyping(ctx context.Context, chatID string, active bool) error {
	state := "paused"
	if active {
		state = "composing"
	}
	return c.command(ctx, map[string]any{
		"type":    "typing",
		"chat_id": chatID,
		"state":   state,
	})
}

// Close tears down the gateway connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// command sends an id-tagged frame and waits for its acknowledgement.
func (c *Client) command(ctx context.Context, frame map[string]any) error {
	id := c.cmdID.Add(1)
	frame["id"] = id

	ch := make(chan gwResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = fmt.Errorf("gateway not connected")
	} else {
		err = conn.WriteJSON(frame)
	}
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("write gateway command: %w", err)
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			if resp.Error != nil {
				return resp.Error
			}
			return fmt.Errorf("gateway command failed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("gateway connection closed")
	case <-time.After(ackTimeout):
		return fmt.Errorf("timeout waiting for gateway ack")
	}
}

// readLoop consumes gateway frames until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.messages)

	for {
		var ev gwEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("gateway connection closed")
			} else {
				c.logger.Error("gateway read error, connection lost", "error", err)
			}
			c.failPending()
			return
		}

		switch ev.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[ev.ID]; ok {
				ch <- gwResponse{Success: ev.Success, Error: ev.Error}
			}
			c.pendingMu.Unlock()

		case "message":
			if ev.Message == nil {
				continue
			}
			select {
			case c.messages <- ev.Message:
			default:
				c.logger.Warn("message channel full, dropping message",
					"chat_id", ev.Message.ChatID,
				)
			}

		case "qr":
			c.showQR(ev.QR)

		case "ready":
			c.logger.Info("WhatsApp session ready")

		case "disconnected":
			c.logger.Warn("WhatsApp session disconnected", "reason", ev.Reason)

		default:
			c.logger.Debug("unhandled gateway event", "type", ev.Type)
		}
	}
}

// showQR renders the pairing code to the terminal for scanning.
func (c *Client) showQR(content string) {
	art, err := RenderQR(content)
	if err != nil {
		c.logger.Error("render pairing QR failed", "error", err)
		return
	}
	c.logger.Info("pairing QR received, scan with WhatsApp")
	fmt.Fprintln(os.Stdout, art)
}

// failPending drains outstanding command waiters after the connection
// is lost.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- gwResponse{Error: &gwError{Code: "disconnected", Message: "gateway connection lost"}}
		delete(c.pending, id)
	}
}
