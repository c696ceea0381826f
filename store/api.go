package store

//go:generate mockgen -source=api.go -destination=mock/mock_api.go

import (
	"context"

	"github.com/mqy/leaguechat/scope"
)

// ReactionEntry aggregates the participants who reacted to a message with one emoji.
// Invariant: Count == len(Users).
type ReactionEntry struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// Message is one entry of a scope log. It is never physically removed.
// Timestamps are unix nanoseconds from the store clock.
type Message struct {
	ID             string          `json:"id"`
	Scope          scope.Key       `json:"scope"`
	Text           string          `json:"text"`
	SenderName     string          `json:"sender_name"`
	SenderIdentity string          `json:"sender_identity"`
	CreatedAt      int64           `json:"created_at"`
	Edited         bool            `json:"edited"`
	EditedAt       int64           `json:"edited_at,omitempty"`
	Deleted        bool            `json:"deleted"`
	DeletedAt      int64           `json:"deleted_at,omitempty"`
	DeletedBy      string          `json:"deleted_by,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	Reactions      []ReactionEntry `json:"reactions"`
	Version        int64           `json:"version"`
}

// Draft is the caller supplied part of a new message.
type Draft struct {
	Text           string
	SenderName     string
	SenderIdentity string
	ReplyTo        string
}

type IMessageStore interface {
	// Append validates and appends a message to the scope log, stamped with server time.
	Append(ctx context.Context, key scope.Key, draft *Draft) (*Message, error)

	// Get gets one message of the scope.
	Get(ctx context.Context, key scope.Key, id string) (*Message, error)

	// Edit replaces the text of a message and marks it edited.
	Edit(ctx context.Context, key scope.Key, id, text string) (*Message, error)

	// SoftDelete marks a message deleted. Deleting a deleted message is a no-op.
	SoftDelete(ctx context.Context, key scope.Key, id, by string) (*Message, error)

	// ToggleReaction toggles membership of participant in the emoji reaction of a message,
	// atomically with respect to other mutations of the same message.
	ToggleReaction(ctx context.Context, key scope.Key, id, emoji, participant string) (*Message, error)

	// Read gets at most `window` messages older than `before` (newest messages if nil),
	// ordered oldest first.
	Read(ctx context.Context, key scope.Key, window int, before *Cursor) ([]*Message, error)

	Close() error
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m *Message) *Cursor {
	return &Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Less reports whether a orders before b.
func Less(a, b *Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	out := *m
	out.Reactions = cloneReactions(m.Reactions)
	return &out
}
