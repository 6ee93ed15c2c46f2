// Package store persists users, conversations, messages and runtime
// configuration for the relay.
package store

import (
	"context"
	"time"
)

// Roles a stored Message may carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultTitle is assigned to conversations until their first message
// arrives.
const DefaultTitle = "New conversation"

// User is a caller identity, created lazily from a session token.
type User struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	IsAdmin    bool      `json:"is_admin"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Conversation groups messages owned by a single user.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MessageCount and LastMessageTime summarize the messages as of the
	// read. LastMessageTime is nil for an empty conversation.
	MessageCount    int        `json:"message_count"`
	LastMessageTime *time.Time `json:"last_message_time"`
}

// Message is an immutable entry in a conversation. Messages of one
// conversation have strictly increasing CreatedAt values.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"-"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConfigEntry is a single runtime configuration value.
type ConfigEntry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversationStore is durable CRUD over conversations and their messages.
type ConversationStore interface {
	// CreateConversation creates an empty conversation owned by userID.
	CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error)

	// GetOwned returns the conversation. When ownerID is non-nil the
	// conversation must also belong to that user; otherwise ErrNotFound.
	GetOwned(ctx context.Context, conversationID int64, ownerID *int64) (*Conversation, error)

	// ListConversations returns the user's conversations, most recently
	// updated first. A non-positive limit returns all of them.
	ListConversations(ctx context.Context, userID int64, limit int) ([]*Conversation, error)

	// DeleteConversation removes an owned conversation and all its messages.
	DeleteConversation(ctx context.Context, conversationID, ownerID int64) error

	// SetTitle replaces the conversation title.
	SetTitle(ctx context.Context, conversationID int64, title string) error

	// Append adds a message to the conversation and touches its UpdatedAt.
	Append(ctx context.Context, conversationID int64, role, content string) (*Message, error)

	// CountMessages returns the number of messages in the conversation.
	CountMessages(ctx context.Context, conversationID int64) (int, error)

	// RecentMessages returns up to limit of the newest messages in
	// ascending time order. A non-positive limit returns all of them.
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error)
}

// ConfigStore is a string key-value store for runtime settings.
type ConfigStore interface {
	// GetConfig returns the stored value, or def when the key is unset.
	GetConfig(ctx context.Context, key, def string) (string, error)

	// SetConfig inserts or replaces a value.
	SetConfig(ctx context.Context, key, value, description string) error
}

// UserStore maps session tokens to users.
type UserStore interface {
	// UserBySession returns the user bound to sessionID, creating it on
	// first sight and refreshing LastActive otherwise.
	UserBySession(ctx context.Context, sessionID string) (*User, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	ConversationStore
	ConfigStore
	UserStore

	// Close closes the store and releases any resources.
	Close() error
}
