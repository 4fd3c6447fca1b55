//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store holds the durable message store contract consumed by the
// fan-out engine and its implementations.
package store

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// MessageStore persists direct and group messages and answers membership
// queries. Implementations return domain.ErrNotFound for a missing message and
// wrap I/O failures with domain.StorageError.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg domain.NewMessage) (domain.MessageID, error)
	GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error)
	DeleteMessage(ctx context.Context, id domain.MessageID) error
	UpdateReactions(ctx context.Context, id domain.MessageID, reactions domain.Reactions) error
	UserExists(ctx context.Context, id domain.UserID) (bool, error)
	GroupExists(ctx context.Context, id domain.GroupID) (bool, error)
	GroupMembers(ctx context.Context, id domain.GroupID) ([]domain.UserID, error)
}

// Kind selects a store implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindBadger Kind = "badger"
	KindMySQL  Kind = "mysql"
)
