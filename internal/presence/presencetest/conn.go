// Package presencetest provides in-memory connections for tests of the
// registry, sessions, and fan-out.
package presencetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// Conn records every frame it is sent. A Conn created with NewStuck blocks in
// Send until the context expires.
type Conn struct {
	id     string
	stuck  bool
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// NewConn returns a healthy connection with a random ID.
func NewConn() *Conn {
	return &Conn{id: uuid.NewString()}
}

// NewStuck returns a connection whose Send never completes on its own.
func NewStuck() *Conn {
	return &Conn{id: uuid.NewString(), stuck: true}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrConnClosed
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns the decoded envelopes received so far.
func (c *Conn) Frames() []domain.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Outbound, 0, len(c.frames))
	for _, f := range c.frames {
		var o domain.Outbound
		if err := json.Unmarshal(f, &o); err == nil {
			out = append(out, o)
		}
	}
	return out
}

// Count returns how many frames of type name were received.
func (c *Conn) Count(name domain.EventName) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Type == name {
			n++
		}
	}
	return n
}
