// Package agent produces assistant responses to submitted user messages and
// publishes each produced message exactly once.
package agent

import (
	"context"

	"github.com/agent-chat-relay/backend/internal/model"
)

// Responder generates the assistant's reply to a user message given recent
// conversation history.
type Responder interface {
	Respond(ctx context.Context, userMsg *model.Message, history []*model.Message) (string, error)
}
