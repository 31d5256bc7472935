package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agent-chat-relay/backend/internal/model"
)

// MessageRepository provides data access for the per-user message log.
//
// Sequence numbers are assigned on append and are strictly monotonic within a
// user. The log is append-only: messages are never updated or deleted.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append stores a new message for the user and assigns it the next sequence
// number. The returned message carries the assigned ID and creation time.
func (r *MessageRepository) Append(ctx context.Context, userID string, role model.Role, content string, correlationID *int64) (*model.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", model.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE user_id = ?`, userID,
	).Scan(&lastSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read last sequence: %v", model.ErrStoreUnavailable, err)
	}

	msg := &model.Message{
		ID:            lastSeq + 1,
		UserID:        userID,
		Role:          role,
		Content:       content,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (user_id, seq, role, content, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.ID, msg.Role, msg.Content, msg.CorrelationID, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to insert message: %v", model.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit: %v", model.ErrStoreUnavailable, err)
	}

	return msg, nil
}

// ListSince returns all messages for the user with sequence numbers strictly
// greater than the given cursor, in ascending sequence order. A cursor of 0
// returns the full history.
func (r *MessageRepository) ListSince(ctx context.Context, userID string, cursor int64) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, role, content, correlation_id, created_at
		 FROM messages
		 WHERE user_id = ? AND seq > ?
		 ORDER BY seq ASC`,
		userID, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list messages: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return r.scanMessages(rows, userID)
}

// ListRecent returns the most recent messages for the user, oldest first,
// capped at limit. Used to assemble conversational context for the agent.
func (r *MessageRepository) ListRecent(ctx context.Context, userID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, role, content, correlation_id, created_at
		 FROM messages
		 WHERE user_id = ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list recent messages: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	messages, err := r.scanMessages(rows, userID)
	if err != nil {
		return nil, err
	}

	// Rows come back newest first; restore chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// LatestSeq returns the highest sequence number assigned for the user, or 0
// if the user has no messages.
func (r *MessageRepository) LatestSeq(ctx context.Context, userID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE user_id = ?`, userID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read latest sequence: %v", model.ErrStoreUnavailable, err)
	}
	return seq, nil
}

// scanMessages reads message rows into model values.
func (r *MessageRepository) scanMessages(rows *sql.Rows, userID string) ([]*model.Message, error) {
	var messages []*model.Message
	for rows.Next() {
		msg := &model.Message{UserID: userID}
		var correlationID sql.NullInt64

		err := rows.Scan(
			&msg.ID,
			&msg.Role,
			&msg.Content,
			&correlationID,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if correlationID.Valid {
			id := correlationID.Int64
			msg.CorrelationID = &id
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
