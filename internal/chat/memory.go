package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps chats and messages in process. It backs STORE=memory
// and the tests; returned values are copies.
type MemoryRepository struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	messages map[string][]*Message // chatID -> append order
	byID     map[string]*Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		chats:    make(map[string]*Chat),
		messages: make(map[string][]*Message),
		byID:     make(map[string]*Message),
	}
}

func (r *MemoryRepository) CreateChat(_ context.Context, c *Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats[c.ID] = copyChat(c)
	return nil
}

func (r *MemoryRepository) GetChat(_ context.Context, id string) (*Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChat(c), nil
}

func (r *MemoryRepository) ListChatsForUser(_ context.Context, userID string) ([]Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chats := []Chat{}
	for _, c := range r.chats {
		if c.HasParticipant(userID) {
			chats = append(chats, *copyChat(c))
		}
	}
	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats, nil
}

func (r *MemoryRepository) AppendMessage(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[msg.ChatID]
	if !ok {
		return ErrNotFound
	}
	if _, dup := r.byID[msg.ID]; dup {
		return ErrDuplicate
	}
	if existing := r.messages[msg.ChatID]; len(existing) > 0 {
		newest := existing[len(existing)-1].Timestamp
		if msg.Timestamp.Before(newest) {
			msg.Timestamp = newest
		}
	}

	stored := copyMessage(msg)
	r.messages[msg.ChatID] = append(r.messages[msg.ChatID], stored)
	r.byID[stored.ID] = stored
	if msg.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = msg.Timestamp
	}
	return nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, id string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(m), nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, chatID string, limit, offset int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.messages[chatID]
	out := []Message{}
	skipped := 0
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].IsDeleted {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *copyMessage(all[i]))
	}
	return out, nil
}

func (r *MemoryRepository) UpdateMessageContent(_ context.Context, id, content string, editedAt time.Time) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok || m.IsDeleted {
		return nil, ErrNotFound
	}
	m.Content = content
	t := editedAt
	m.EditedAt = &t
	return copyMessage(m), nil
}

func (r *MemoryRepository) SoftDeleteMessage(_ context.Context, id string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok || m.IsDeleted {
		return nil, ErrNotFound
	}
	m.IsDeleted = true
	return copyMessage(m), nil
}

func copyChat(c *Chat) *Chat {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Admins = append([]string(nil), c.Admins...)
	return &out
}

func copyMessage(m *Message) *Message {
	out := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &out
}
