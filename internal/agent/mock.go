package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/agent-chat-relay/backend/internal/model"
)

// MockResponder returns canned replies. Useful for local development and
// tests where no real model is wired in.
type MockResponder struct {
	mu      sync.Mutex
	replies []string
	next    int
}

// NewMockResponder creates a MockResponder cycling through the given
// replies. With no replies it echoes the user's message.
func NewMockResponder(replies ...string) *MockResponder {
	return &MockResponder{replies: replies}
}

// Respond returns the next canned reply.
func (m *MockResponder) Respond(_ context.Context, userMsg *model.Message, _ []*model.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.replies) == 0 {
		return fmt.Sprintf("You said: %s", userMsg.Content), nil
	}

	reply := m.replies[m.next%len(m.replies)]
	m.next++
	return reply, nil
}
