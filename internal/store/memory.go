// Package store keeps chat messages in memory or in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aigroup/internal/models"
)

// ErrNotFound is returned for unknown message ids.
var ErrNotFound = errors.New("message not found")

// Message is one stored chat message.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	// Model is the "<provider>/<model>" code of the bot that answers in this message.
	Model       string    `json:"model,omitempty"`
	PluginID    string    `json:"plugin_id,omitempty"`
	PluginExtra string    `json:"plugin_extra,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the message persistence shared by the executor and the HTTP layer.
type Store interface {
	Create(ctx context.Context, msg Message) (Message, error)
	Message(ctx context.Context, id string) (Message, error)
	UpdateMessage(ctx context.Context, id string, mutate func(*Message)) (Message, error)
	Session(ctx context.Context, sessionID string) ([]Message, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)

// Memory is a concurrency safe in-memory message store.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]Message
	now      func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{messages: make(map[string]Message), now: time.Now}
}

// Create stores msg under a fresh id.
func (m *Memory) Create(_ context.Context, msg Message) (Message, error) {
	if msg.Role == "" {
		return Message{}, errors.New("message role must not be empty")
	}
	now := m.now()
	msg.ID = uuid.NewString()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	m.mu.Lock()
	m.messages[msg.ID] = msg
	m.mu.Unlock()
	return msg, nil
}

// Message returns one message.
func (m *Memory) Message(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return msg, nil
}

// UpdateMessage applies mutate atomically and returns the result. The id and
// creation time cannot be changed.
func (m *Memory) UpdateMessage(_ context.Context, id string, mutate func(*Message)) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	mutate(&msg)
	msg.ID = id
	msg.CreatedAt = m.messages[id].CreatedAt
	msg.UpdatedAt = m.now()
	m.messages[id] = msg
	return msg, nil
}

// Session lists the messages of a session in creation order.
func (m *Memory) Session(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	var out []Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
