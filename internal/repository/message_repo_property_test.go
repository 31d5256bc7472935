package repository

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agent-chat-relay/backend/internal/db"
	"github.com/agent-chat-relay/backend/internal/model"
)

// For any batch of appended messages, the store assigns consecutive sequence
// numbers starting at 1 and ListSince(c) returns exactly the messages with
// sequence greater than c, in order. This is the contract replay depends on.
func TestAppendListSinceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	contentGen := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 100
	})

	properties.Property("append then list returns the full ordered history", prop.ForAll(
		func(contents []string, cursorSeed int) bool {
			database, err := db.NewTestDB()
			if err != nil {
				t.Logf("failed to create test db: %v", err)
				return false
			}
			defer database.Close()

			repo := NewMessageRepository(database)
			ctx := context.Background()

			for i, content := range contents {
				msg, err := repo.Append(ctx, "u1", model.RoleUser, content, nil)
				if err != nil {
					t.Logf("append failed: %v", err)
					return false
				}
				if msg.ID != int64(i+1) {
					t.Logf("expected seq %d, got %d", i+1, msg.ID)
					return false
				}
			}

			full, err := repo.ListSince(ctx, "u1", 0)
			if err != nil {
				t.Logf("list failed: %v", err)
				return false
			}
			if len(full) != len(contents) {
				return false
			}
			for i, msg := range full {
				if msg.ID != int64(i+1) || msg.Content != contents[i] {
					return false
				}
			}

			// Any cursor yields exactly the strict suffix past it.
			cursor := int64(cursorSeed % (len(contents) + 1))
			suffix, err := repo.ListSince(ctx, "u1", cursor)
			if err != nil {
				t.Logf("list since %d failed: %v", cursor, err)
				return false
			}
			if int64(len(suffix)) != int64(len(contents))-cursor {
				return false
			}
			for i, msg := range suffix {
				if msg.ID != cursor+int64(i+1) {
					return false
				}
			}

			return true
		},
		gen.SliceOf(contentGen).SuchThat(func(s []string) bool {
			return len(s) >= 1 && len(s) <= 20
		}),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
