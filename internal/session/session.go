// Package session binds one transport connection to at most one registered
// user and guarantees the connection leaves the presence registry when the
// transport goes away.
package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/presence"
)

// State is the lifecycle position of a Session.
type State int

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Registry is the subset of presence.Registry a session drives.
type Registry interface {
	Register(user domain.UserID, conn presence.Conn)
	Unregister(user domain.UserID) []presence.Conn
	Detach(user domain.UserID, conn presence.Conn) bool
}

// Session tracks the binding of a single connection. The zero value is not
// usable; create one with New.
type Session struct {
	conn     presence.Conn
	registry Registry
	log      *zap.Logger

	mu    sync.Mutex
	state State
	user  domain.UserID
}

func New(conn presence.Conn, registry Registry, log *zap.Logger) *Session {
	return &Session{
		conn:     conn,
		registry: registry,
		log:      log.With(zap.String("conn", conn.ID())),
	}
}

// Bind registers the connection under user. Binding again to the current user
// only re-asserts the registration, which restores a handle another device's
// logout or a failed push removed. Binding to a different user releases the
// old binding first.
func (s *Session) Bind(user domain.UserID) error {
	if user <= 0 {
		return fmt.Errorf("%w: user id %d", domain.ErrInvalidCommand, user)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return domain.ErrSessionClosed
	case Bound:
		if s.user == user {
			s.registry.Register(user, s.conn)
			return nil
		}
		s.registry.Detach(s.user, s.conn)
		s.log.Info("Rebinding connection", zap.Int64("from", int64(s.user)), zap.Int64("to", int64(user)))
	}
	s.registry.Register(user, s.conn)
	s.state = Bound
	s.user = user
	s.log.Debug("Connection bound", zap.Int64("user", int64(user)))
	return nil
}

// Unregister handles an explicit logout: every connection of the bound user
// leaves the registry and the session closes. An unbound session just closes.
func (s *Session) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return domain.ErrSessionClosed
	case Bound:
		released := s.registry.Unregister(s.user)
		s.log.Debug("Session logged out", zap.Int64("user", int64(s.user)), zap.Int("released", len(released)))
	}
	s.state = Closed
	return nil
}

// Close handles transport disconnect. Only this session's own connection is
// removed. Calling Close more than once is safe.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Bound {
		if !s.registry.Detach(s.user, s.conn) {
			s.log.Debug("Connection already released", zap.Int64("user", int64(s.user)))
		}
	}
	s.state = Closed
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the bound user and whether the session is bound.
func (s *Session) UserID() (domain.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.state == Bound
}
