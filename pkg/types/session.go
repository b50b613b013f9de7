package types

import (
	"encoding/json"
	"time"
)

// ConversationSession is one user's ongoing dialogue. Message batches are
// append-only; the session row itself carries rolling metadata.
type ConversationSession struct {
	// ID is the session UUID
	ID string `json:"session_id"`

	// UserID owns the session
	UserID string `json:"user_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Metadata holds the rolling conversation_summary and the
	// context_metadata bag (topics, regulations, entities, key points)
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// TotalTokens is the running token estimate across saved batches
	TotalTokens int `json:"total_tokens"`
}

// MessageBatch is one saved turn exchange. (session_id, created_at DESC) is
// the canonical load order.
type MessageBatch struct {
	SessionID string `json:"session_id"`

	// Payload is the serialized message list for the turn
	Payload json.RawMessage `json:"payload"`

	// TokenCount is the estimated token size of the payload
	TokenCount int `json:"token_count"`

	CreatedAt time.Time `json:"created_at"`
}

// ContextMetadata is the merge-updated bag of conversation context kept in
// session metadata.
type ContextMetadata struct {
	Topics      []string `json:"topics,omitempty"`
	Regulations []string `json:"regulations,omitempty"`
	Entities    []string `json:"entities,omitempty"`

	// KeyPoints is a rolling window of the last 20 salient points
	KeyPoints []string `json:"key_points,omitempty"`
}
