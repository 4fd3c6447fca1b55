// Package presence tracks which live connections belong to which user.
package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// Conn is one live transport connection. Send must not block past ctx and
// must return domain.ErrConnClosed once the connection is gone.
type Conn interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
	Close()
}

// Observer is told when a user gains its first connection or loses its last
// one. Callbacks run outside the registry lock but in the order the registry
// applied the transitions, so they must return quickly and must not call back
// into the Registry.
type Observer interface {
	Online(user domain.UserID)
	Offline(user domain.UserID)
}

// Registry maps users to their live connections. A connection belongs to at
// most one user at any time. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	notifyMu sync.Mutex
	users    map[domain.UserID]map[string]Conn
	owners   map[string]domain.UserID
	log      *zap.Logger
	observer Observer
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(log *zap.Logger, observer Observer) *Registry {
	return &Registry{
		users:    make(map[domain.UserID]map[string]Conn),
		owners:   make(map[string]domain.UserID),
		log:      log,
		observer: observer,
	}
}

type transition struct {
	online  []domain.UserID
	offline []domain.UserID
}

// unlockAndNotify releases r.mu and runs the observer for tr. notifyMu is
// taken before r.mu is released, so transitions reach the observer in the
// order they were applied. Caller holds r.mu.
func (r *Registry) unlockAndNotify(tr transition) {
	if r.observer == nil || len(tr.online)+len(tr.offline) == 0 {
		r.mu.Unlock()
		return
	}
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	for _, u := range tr.offline {
		r.observer.Offline(u)
	}
	for _, u := range tr.online {
		r.observer.Online(u)
	}
}

// removeLocked drops conn from user and reports whether the user went offline.
// Caller holds r.mu.
func (r *Registry) removeLocked(user domain.UserID, connID string) bool {
	delete(r.owners, connID)
	set, ok := r.users[user]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, user)
		return true
	}
	return false
}

// Register binds conn to user. Registering the same pair twice is a no-op; a
// conn owned by another user is moved.
func (r *Registry) Register(user domain.UserID, conn Conn) {
	var tr transition

	r.mu.Lock()
	id := conn.ID()
	if owner, ok := r.owners[id]; ok {
		if owner == user {
			r.mu.Unlock()
			return
		}
		if r.removeLocked(owner, id) {
			tr.offline = append(tr.offline, owner)
		}
		r.log.Debug("Connection moved between users",
			zap.String("conn", id), zap.Int64("from", int64(owner)), zap.Int64("to", int64(user)))
	}
	set, ok := r.users[user]
	if !ok {
		set = make(map[string]Conn)
		r.users[user] = set
		tr.online = append(tr.online, user)
	}
	set[id] = conn
	r.owners[id] = user
	devices := len(set)
	r.unlockAndNotify(tr)

	r.log.Info("User registered", zap.Int64("user", int64(user)), zap.String("conn", id), zap.Int("devices", devices))
}

// Unregister removes every connection of user and returns them.
func (r *Registry) Unregister(user domain.UserID) []Conn {
	r.mu.Lock()
	set, ok := r.users[user]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for id, c := range set {
		delete(r.owners, id)
		conns = append(conns, c)
	}
	delete(r.users, user)
	r.unlockAndNotify(transition{offline: []domain.UserID{user}})

	r.log.Info("User unregistered", zap.Int64("user", int64(user)), zap.Int("devices", len(conns)))
	return conns
}

// UnregisterHandle removes conn from whichever user owns it.
func (r *Registry) UnregisterHandle(conn Conn) (domain.UserID, bool) {
	r.mu.Lock()
	id := conn.ID()
	owner, ok := r.owners[id]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	var tr transition
	if r.removeLocked(owner, id) {
		tr.offline = append(tr.offline, owner)
	}
	r.unlockAndNotify(tr)

	r.log.Debug("Connection unregistered", zap.Int64("user", int64(owner)), zap.String("conn", id))
	return owner, true
}

// Detach removes conn only if it is still bound to user. It never touches a
// binding that has since moved to another user.
func (r *Registry) Detach(user domain.UserID, conn Conn) bool {
	r.mu.Lock()
	id := conn.ID()
	if owner, ok := r.owners[id]; !ok || owner != user {
		r.mu.Unlock()
		return false
	}
	var tr transition
	if r.removeLocked(user, id) {
		tr.offline = append(tr.offline, user)
	}
	r.unlockAndNotify(tr)
	return true
}

// Lookup returns a snapshot of user's live connections.
func (r *Registry) Lookup(user domain.UserID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[user]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Owner returns the user conn is bound to.
func (r *Registry) Owner(conn Conn) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.owners[conn.ID()]
	return u, ok
}

// Users returns the users that currently have at least one connection.
func (r *Registry) Users() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]domain.UserID, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	return users
}

// Online returns the number of users with at least one connection.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
