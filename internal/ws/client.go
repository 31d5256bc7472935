package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agent-chat-relay/backend/internal/model"
)

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	// Client -> Server frame types
	FrameTypePing FrameType = "ping"

	// Server -> Client frame types
	FrameTypeMessage FrameType = "message"
	FrameTypePong    FrameType = "pong"
	FrameTypeError   FrameType = "error"
)

// Frame represents a WebSocket frame. Message frames carry exactly one chat
// message; pong and error frames carry no ordering semantics.
type Frame struct {
	Type    FrameType      `json:"type"`
	Message *model.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// State represents a connection's lifecycle stage.
type State string

const (
	StateHandshaking State = "handshaking"
	StateReplaying   State = "replaying"
	StateLive        State = "live"
	StateDraining    State = "draining"
	StateClosed      State = "closed"
)

// Client owns one physical WebSocket connection's send path and its delivery
// cursor. The cursor marks the last message enqueued for this connection and
// makes delivery idempotent across the replay/live boundary.
type Client struct {
	conn         *websocket.Conn
	userID       string
	connectionID string
	send         chan []byte

	mu     sync.Mutex
	closed bool
	state  State
	cursor int64
}

// NewClient creates a new WebSocket client in the handshaking state.
func NewClient(conn *websocket.Conn, userID, connectionID string) *Client {
	return &Client{
		conn:         conn,
		userID:       userID,
		connectionID: connectionID,
		send:         make(chan []byte, sendBufferSize),
		state:        StateHandshaking,
	}
}

// Deliver attempts a single send of the message on this connection. Messages
// at or below the delivery cursor are silently skipped; on success the cursor
// advances to the message's sequence number.
//
// Callers must serialize Deliver per connection; the router's queue worker
// and the replay drain both do.
func (c *Client) Deliver(msg *model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.ErrConnectionClosed
	}

	if msg.ID <= c.cursor {
		// Already delivered, e.g. published during the replay window.
		return nil
	}

	data, err := json.Marshal(&Frame{Type: FrameTypeMessage, Message: msg})
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		c.cursor = msg.ID
		return nil
	default:
		return model.ErrTransientBackpressure
	}
}

// sendFrame queues a non-message frame (pong, error). Does not touch the
// delivery cursor.
func (c *Client) sendFrame(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.ErrConnectionClosed
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	default:
		return model.ErrTransientBackpressure
	}
}

// Cursor returns the sequence number of the last delivered message.
func (c *Client) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// resetCursor positions the cursor before replay begins.
func (c *Client) resetCursor(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = seq
}

// Close releases the client's buffered state. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.state = StateClosed
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// State returns the connection's lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = s
}

// UserID returns the user this connection belongs to.
func (c *Client) UserID() string {
	return c.userID
}

// ConnectionID returns the connection's identifier.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}
