package domain

import "time"

// Conversation records which user owns a conversation. Ownership never
// transfers once the record exists.
type Conversation struct {
	ID          string
	OwnerUserID string
	CreatedAt   time.Time
}

// Message is a single persisted conversation entry.
type Message struct {
	ConversationID string
	Role           string
	Text           string
	Tokens         int
	CreatedAt      time.Time
}
