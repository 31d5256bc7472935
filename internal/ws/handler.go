package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-chat-relay/backend/internal/model"
	"github.com/agent-chat-relay/backend/internal/registry"
	"github.com/agent-chat-relay/backend/internal/repository"
	"github.com/agent-chat-relay/backend/internal/router"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer. A missed
	// heartbeat is treated the same as a closed connection.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Outbound frames buffered per connection.
	sendBufferSize = 256

	// Bound on handshake plus history replay; exceeding it aborts setup.
	setupTimeout = 10 * time.Second

	// Pause between replay delivery attempts when the send buffer is full.
	replayRetryDelay = 10 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Authenticator establishes the user identity behind a connection request.
// Session establishment itself belongs to an external collaborator; the
// default accepts the path identity as-is.
type Authenticator interface {
	Authenticate(r *http.Request, userID string) error
}

type allowAll struct{}

func (allowAll) Authenticate(*http.Request, string) error { return nil }

// Handler upgrades chat WebSocket connections and runs their lifecycle:
// handshake, history replay, live delivery, teardown.
type Handler struct {
	registry *registry.Registry
	router   *router.Router
	repo     *repository.MessageRepository
	auth     Authenticator
}

// NewHandler creates a new WebSocket handler.
func NewHandler(reg *registry.Registry, rt *router.Router, repo *repository.MessageRepository, auth Authenticator) *Handler {
	if auth == nil {
		auth = allowAll{}
	}
	return &Handler{
		registry: reg,
		router:   rt,
		repo:     repo,
		auth:     auth,
	}
}

// HandleConnection handles a new WebSocket connection for a user's chat
// channel. It upgrades the HTTP connection, registers the session, drains
// history from the optional ?since= cursor and then switches to live
// delivery. Events published while the drain is in flight are queued behind
// it, never interleaved ahead.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) error {
	if err := h.auth.Authenticate(r, userID); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return model.ErrUnauthorized
	}

	cursor, hasCursor, err := parseSince(r)
	if err != nil {
		http.Error(w, "Invalid since cursor", http.StatusBadRequest)
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	connectionID := uuid.New().String()
	client := NewClient(conn, userID, connectionID)

	sess, err := h.registry.Register(userID, connectionID, client)
	if errors.Is(err, model.ErrAlreadyRegistered) {
		// A stale entry under a fresh UUID should not occur. Treat it as a
		// closed connection and take its place.
		log.Printf("Connection %s already registered, evicting stale session", connectionID)
		h.evictStale(connectionID)
		sess, err = h.registry.Register(userID, connectionID, client)
	}
	if err != nil {
		conn.Close()
		return err
	}

	h.router.Attach(sess)

	// Pumps start before the replay drain so history frames flush to the
	// socket while later messages are still being read from the store.
	go h.writePump(client)
	go h.readPump(client)

	if err := h.replay(client, cursor, hasCursor); err != nil {
		log.Printf("Replay failed for connection %s: %v", connectionID, err)
		h.teardown(client)
		return err
	}

	h.router.Resume(connectionID)
	client.setState(StateLive)

	return nil
}

// evictStale removes a leftover registration under the connection ID and
// closes its sink so any buffered state it holds is released.
func (h *Handler) evictStale(connectionID string) {
	h.router.Detach(connectionID)
	if stale := h.registry.Get(connectionID); stale != nil {
		stale.Close()
	}
	h.registry.Deregister(connectionID)
}

// parseSince extracts the optional replay cursor from the request.
func parseSince(r *http.Request) (int64, bool, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, false, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, false, fmt.Errorf("invalid since cursor %q", raw)
	}
	return cursor, true, nil
}

// replay drains the store from the connection's cursor before live delivery
// begins. Without an explicit cursor the connection starts at the store's
// tail; initial history load happens over the HTTP endpoint instead.
func (h *Handler) replay(client *Client, cursor int64, hasCursor bool) error {
	client.setState(StateReplaying)

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	if !hasCursor {
		tail, err := h.repo.LatestSeq(ctx, client.UserID())
		if err != nil {
			return err
		}
		cursor = tail
	}
	client.resetCursor(cursor)

	messages, err := h.repo.ListSince(ctx, client.UserID(), cursor)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if err := h.deliverReplay(ctx, client, msg); err != nil {
			return err
		}
	}

	return nil
}

// deliverReplay delivers one history message, waiting out momentary
// backpressure within the setup deadline.
func (h *Handler) deliverReplay(ctx context.Context, client *Client, msg *model.Message) error {
	for {
		err := client.Deliver(msg)
		if err == nil || !errors.Is(err, model.ErrTransientBackpressure) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(replayRetryDelay):
		}
	}
}

// teardown deregisters and closes the connection. Safe to call more than
// once; every step is idempotent.
func (h *Handler) teardown(client *Client) {
	client.setState(StateDraining)
	h.router.Detach(client.ConnectionID())
	h.registry.Deregister(client.ConnectionID())
	client.Close()
	client.Conn().Close()
}

// handleFrame processes an incoming frame from a client.
func (h *Handler) handleFrame(client *Client, f *Frame) {
	switch f.Type {
	case FrameTypePing:
		if err := client.sendFrame(&Frame{Type: FrameTypePong}); err != nil {
			log.Printf("Failed to send pong to connection %s: %v", client.ConnectionID(), err)
		}
	}
}

// readPump pumps control frames from the WebSocket connection and detects
// disconnect. The send path is one-directional; clients submit messages over
// HTTP, so anything other than ping frames is ignored.
func (h *Handler) readPump(client *Client) {
	defer h.teardown(client)

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", client.ConnectionID(), err)
			}
			break
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			log.Printf("Failed to unmarshal frame: %v", err)
			continue
		}

		h.handleFrame(client, &f)
	}
}

// writePump pumps queued frames to the WebSocket connection and emits the
// heartbeat pings.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per WebSocket message so clients can JSON.parse
			// each frame independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					return
				}
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
