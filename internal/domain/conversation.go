package domain

import "time"

// Sender identifies who authored a chat turn.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// ChatMessage is a single persisted chat turn. Messages are append-only and
// ordered by CreatedAt per user.
type ChatMessage struct {
	Phone     string    `json:"-"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationSummary is the rolling digest of a user's conversation.
type ConversationSummary struct {
	Phone     string
	Text      string
	UpdatedAt time.Time
}
