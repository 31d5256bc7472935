package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-chat-relay/backend/internal/db"
	"github.com/agent-chat-relay/backend/internal/model"
	"github.com/agent-chat-relay/backend/internal/repository"
	"github.com/agent-chat-relay/backend/internal/router"
)

func setupChatServer(t *testing.T) (*Service, *repository.MessageRepository, *httptest.Server) {
	t.Helper()

	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	repo := repository.NewMessageRepository(database)
	svc := NewService(repo, nil, router.Config{RetryBackoff: 2 * time.Millisecond})
	svc.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chats/", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimPrefix(r.URL.Path, "/ws/chats/")
		svc.Handler().HandleConnection(w, r, userID)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		database.Close()
	})

	return svc, repo, srv
}

func dialChat(t *testing.T, srv *httptest.Server, userID string, since int64, hasSince bool) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chats/" + userID
	if hasSince {
		u += fmt.Sprintf("?since=%d", since)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", u, err)
	}
	return conn
}

// readMessageFrame reads frames until a message frame arrives.
func readMessageFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("Failed to unmarshal frame: %v", err)
		}
		if f.Type == FrameTypeMessage {
			return &f
		}
	}
}

// readFrame reads the next frame of any type.
func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Failed to unmarshal frame: %v", err)
	}
	return &f
}

func waitForSessions(t *testing.T, svc *Service, userID string, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.ConnectedSessions(userID) == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Expected %d sessions for %s, got %d", n, userID, svc.ConnectedSessions(userID))
}

func appendAndPublish(t *testing.T, svc *Service, repo *repository.MessageRepository, userID, content string, corr *int64) *model.Message {
	t.Helper()

	msg, err := repo.Append(context.Background(), userID, model.RoleAssistant, content, corr)
	if err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
	svc.Router().Publish(model.NotificationEvent{UserID: userID, Message: msg})
	return msg
}

func TestLiveDeliveryInOrder(t *testing.T) {
	svc, repo, srv := setupChatServer(t)

	conn := dialChat(t, srv, "u1", 0, true)
	defer conn.Close()
	waitForSessions(t, svc, "u1", 1)

	for i := 1; i <= 3; i++ {
		appendAndPublish(t, svc, repo, "u1", fmt.Sprintf("reply %d", i), nil)
	}

	for i := 1; i <= 3; i++ {
		f := readMessageFrame(t, conn)
		if f.Message.ID != int64(i) {
			t.Fatalf("Expected message %d, got %d", i, f.Message.ID)
		}
		if f.Message.Role != model.RoleAssistant {
			t.Errorf("Expected assistant role, got %s", f.Message.Role)
		}
	}
}

func TestReplayOnReconnect(t *testing.T) {
	svc, repo, srv := setupChatServer(t)
	ctx := context.Background()

	// Seed history before any connection exists.
	for i := 1; i <= 5; i++ {
		if _, err := repo.Append(ctx, "u1", model.RoleAssistant, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("Failed to seed message: %v", err)
		}
	}

	// First connection replays the full history.
	conn := dialChat(t, srv, "u1", 0, true)
	for i := 1; i <= 5; i++ {
		f := readMessageFrame(t, conn)
		if f.Message.ID != int64(i) {
			t.Fatalf("Expected replayed message %d, got %d", i, f.Message.ID)
		}
	}

	// Disconnect after message 5.
	conn.Close()
	waitForSessions(t, svc, "u1", 0)

	// Two more messages are produced while disconnected. Publishing with no
	// live session is a silent no-op; the store keeps them.
	appendAndPublish(t, svc, repo, "u1", "m6", nil)
	appendAndPublish(t, svc, repo, "u1", "m7", nil)

	// Reconnecting with cursor 5 replays exactly [6, 7].
	conn2 := dialChat(t, srv, "u1", 5, true)
	defer conn2.Close()

	for i := 6; i <= 7; i++ {
		f := readMessageFrame(t, conn2)
		if f.Message.ID != int64(i) {
			t.Fatalf("Expected replayed message %d, got %d", i, f.Message.ID)
		}
	}

	// The live stream continues from 8 with no gap and no duplicate.
	waitForSessions(t, svc, "u1", 1)
	appendAndPublish(t, svc, repo, "u1", "m8", nil)

	f := readMessageFrame(t, conn2)
	if f.Message.ID != 8 {
		t.Fatalf("Expected live message 8, got %d", f.Message.ID)
	}
}

func TestMultiTabDelivery(t *testing.T) {
	svc, repo, srv := setupChatServer(t)

	conn1 := dialChat(t, srv, "u1", 0, true)
	defer conn1.Close()
	conn2 := dialChat(t, srv, "u1", 0, true)
	defer conn2.Close()
	waitForSessions(t, svc, "u1", 2)

	for i := 1; i <= 3; i++ {
		appendAndPublish(t, svc, repo, "u1", fmt.Sprintf("m%d", i), nil)
	}

	// Each tab independently observes the full ordered sequence.
	for _, conn := range []*websocket.Conn{conn1, conn2} {
		for i := 1; i <= 3; i++ {
			f := readMessageFrame(t, conn)
			if f.Message.ID != int64(i) {
				t.Fatalf("Expected message %d, got %d", i, f.Message.ID)
			}
		}
	}
}

func TestUserIsolation(t *testing.T) {
	svc, repo, srv := setupChatServer(t)

	conn1 := dialChat(t, srv, "u1", 0, true)
	defer conn1.Close()
	conn2 := dialChat(t, srv, "u2", 0, true)
	defer conn2.Close()
	waitForSessions(t, svc, "u1", 1)
	waitForSessions(t, svc, "u2", 1)

	appendAndPublish(t, svc, repo, "u2", "for u2 only", nil)

	f := readMessageFrame(t, conn2)
	if f.Message.Content != "for u2 only" {
		t.Fatalf("u2 received wrong message: %s", f.Message.Content)
	}

	// u1 must see nothing.
	conn1.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Fatal("u1 should not receive another user's message")
	}
}

func TestApplicationPingPong(t *testing.T) {
	svc, _, srv := setupChatServer(t)

	conn := dialChat(t, srv, "u1", 0, true)
	defer conn.Close()
	waitForSessions(t, svc, "u1", 1)

	ping, _ := json.Marshal(&Frame{Type: FrameTypePing})
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != FrameTypePong {
		t.Errorf("Expected pong frame, got %s", f.Type)
	}
}

func TestInvalidCursorRejectsHandshake(t *testing.T) {
	_, _, srv := setupChatServer(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chats/u1?since=not-a-number"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		conn.Close()
		t.Fatal("Expected handshake to fail for invalid cursor")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 response, got %+v", resp)
	}
}
