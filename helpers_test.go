package huddlesync

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

// ============================================================================
// Shared test helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal test payload: %v", err)
	}
	return b
}

// testMessagePayload builds the wire body of a chat message.
func testMessagePayload(t *testing.T, conversationID, senderID, clientID, content string, createdAt time.Time) json.RawMessage {
	t.Helper()
	return mustJSON(t, messagePayload{
		ConversationID: conversationID,
		SenderID:       senderID,
		ClientID:       clientID,
		Content:        content,
		CreatedAt:      createdAt,
	})
}
