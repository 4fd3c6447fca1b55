package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// Memory is an in-process MessageStore. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	nextID   domain.MessageID
	messages map[domain.MessageID]domain.Message
	users    map[domain.UserID]struct{}
	groups   map[domain.GroupID]domain.Group
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[domain.MessageID]domain.Message),
		users:    make(map[domain.UserID]struct{}),
		groups:   make(map[domain.GroupID]domain.Group),
		now:      time.Now,
	}
}

// AddUser makes ids known to UserExists.
func (m *Memory) AddUser(ids ...domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.users[id] = struct{}{}
	}
}

// AddGroup stores g, replacing any group with the same ID.
func (m *Memory) AddGroup(g domain.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Members = slices.Clone(g.Members)
	m.groups[g.ID] = g
}

func (m *Memory) CreateMessage(_ context.Context, msg domain.NewMessage) (domain.MessageID, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.messages[m.nextID] = domain.Message{
		ID:         m.nextID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		GroupID:    msg.GroupID,
		Text:       msg.Text,
		Image:      msg.Image,
		CreatedAt:  m.now().UTC(),
		Reactions:  domain.Reactions{},
	}
	return m.nextID, nil
}

func (m *Memory) GetMessage(_ context.Context, id domain.MessageID) (domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	msg.Reactions = slices.Clone(msg.Reactions)
	return msg, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id domain.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	return nil
}

func (m *Memory) UpdateReactions(_ context.Context, id domain.MessageID, reactions domain.Reactions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	msg.Reactions = slices.Clone(reactions)
	m.messages[id] = msg
	return nil
}

func (m *Memory) UserExists(_ context.Context, id domain.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[id]
	return ok, nil
}

func (m *Memory) GroupExists(_ context.Context, id domain.GroupID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[id]
	return ok, nil
}

func (m *Memory) GroupMembers(_ context.Context, id domain.GroupID) ([]domain.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(g.Members), nil
}

// Count returns the number of stored messages.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
