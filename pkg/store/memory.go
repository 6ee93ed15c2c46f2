package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It is safe for concurrent use and
// loses everything on Close.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[int64]*User
	sessions      map[string]int64
	conversations map[int64]*Conversation
	messages      map[int64][]*Message
	configs       map[string]*ConfigEntry

	nextUserID    int64
	nextConvID    int64
	nextMessageID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]*User),
		sessions:      make(map[string]int64),
		conversations: make(map[int64]*Conversation),
		messages:      make(map[int64][]*Message),
		configs:       make(map[string]*ConfigEntry),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID int64, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, ErrNotFound{Entity: "user", ID: userID}
	}

	s.nextConvID++
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        s.nextConvID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv

	copied := *conv
	return &copied, nil
}

func (s *MemoryStore) GetOwned(_ context.Context, conversationID int64, ownerID *int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || (ownerID != nil && conv.UserID != *ownerID) {
		return nil, ErrNotFound{Entity: "conversation", ID: conversationID}
	}

	return s.summarize(conv), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID int64, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*Conversation, 0)
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			convs = append(convs, s.summarize(conv))
		}
	}

	slices.SortFunc(convs, func(a, b *Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})

	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}

	return convs, nil
}

// summarize copies conv with its message summary filled in. The caller
// holds s.mu.
func (s *MemoryStore) summarize(conv *Conversation) *Conversation {
	copied := *conv

	msgs := s.messages[conv.ID]
	copied.MessageCount = len(msgs)
	if n := len(msgs); n > 0 {
		last := msgs[n-1].CreatedAt
		copied.LastMessageTime = &last
	}

	return &copied
}

func (s *MemoryStore) DeleteConversation(_ context.Context, conversationID, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != ownerID {
		return ErrNotFound{Entity: "conversation", ID: conversationID}
	}

	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	return nil
}

func (s *MemoryStore) SetTitle(_ context.Context, conversationID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound{Entity: "conversation", ID: conversationID}
	}

	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Append(_ context.Context, conversationID int64, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, errors.New("invalid message role: " + role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound{Entity: "conversation", ID: conversationID}
	}

	created := time.Now().UTC()
	existing := s.messages[conversationID]
	if n := len(existing); n > 0 && !created.After(existing[n-1].CreatedAt) {
		created = existing[n-1].CreatedAt.Add(time.Microsecond)
	}

	s.nextMessageID++
	msg := &Message{
		ID:             s.nextMessageID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      created,
	}
	s.messages[conversationID] = append(existing, msg)
	conv.UpdatedAt = created

	copied := *msg
	return &copied, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, conversationID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages[conversationID]), nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*Message, 0, len(all))
	for _, msg := range all {
		copied := *msg
		out = append(out, &copied)
	}

	return out, nil
}

func (s *MemoryStore) GetConfig(_ context.Context, key, def string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.configs[key]
	if !ok {
		return def, nil
	}

	return entry.Value, nil
}

func (s *MemoryStore) SetConfig(_ context.Context, key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.configs[key]
	if !ok {
		entry = &ConfigEntry{Key: key}
		s.configs[key] = entry
	}

	entry.Value = value
	if description != "" {
		entry.Description = description
	}
	entry.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UserBySession(_ context.Context, sessionID string) (*User, error) {
	if sessionID == "" {
		return nil, errors.New("empty session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.sessions[sessionID]; ok {
		user := s.users[id]
		user.LastActive = now

		copied := *user
		return &copied, nil
	}

	s.nextUserID++
	user := &User{
		ID:         s.nextUserID,
		SessionID:  sessionID,
		CreatedAt:  now,
		LastActive: now,
	}
	s.users[user.ID] = user
	s.sessions[sessionID] = user.ID

	copied := *user
	return &copied, nil
}

// Close drops all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.users)
	clear(s.sessions)
	clear(s.conversations)
	clear(s.messages)
	clear(s.configs)
	return nil
}
