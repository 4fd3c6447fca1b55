// Package fanout persists chat events through the message store and pushes
// them to the live connections of every recipient.
package fanout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// DefaultPushTimeout bounds a single push to one connection.
const DefaultPushTimeout = 2 * time.Second

// Directory resolves users to their live connections.
type Directory interface {
	Lookup(user domain.UserID) []presence.Conn
	UnregisterHandle(conn presence.Conn) (domain.UserID, bool)
}

// Engine is safe for concurrent use. Create it with New.
type Engine struct {
	store       store.MessageStore
	directory   Directory
	log         *zap.Logger
	metrics     *metrics.Metrics
	pushTimeout time.Duration

	senders  keyedMutex[domain.UserID]
	messages keyedMutex[domain.MessageID]
}

// Option configures an Engine.
type Option func(*Engine)

// WithPushTimeout overrides DefaultPushTimeout.
func WithPushTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pushTimeout = d
		}
	}
}

// WithMetrics records delivery outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine persisting to s and delivering through dir.
func New(s store.MessageStore, dir Directory, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		directory:   dir,
		log:         log,
		pushTimeout: DefaultPushTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch routes cmd to its typed entry point and returns that entry point's
// result.
func (e *Engine) Dispatch(ctx context.Context, cmd domain.Command) (any, error) {
	switch c := cmd.(type) {
	case domain.SendDirect:
		return e.SendDirect(ctx, c)
	case domain.DeleteMessage:
		return nil, e.DeleteMessage(ctx, c)
	case domain.AddReaction:
		return e.AddReaction(ctx, c)
	case domain.ForwardMessage:
		return e.ForwardMessage(ctx, c)
	case domain.SendGroupMessage:
		return e.SendGroupMessage(ctx, c)
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", domain.ErrInvalidCommand, cmd)
	}
}
