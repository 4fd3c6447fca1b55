package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

const (
	onlineKeyPrefix   = "relay:presence:"
	lastSeenKeyPrefix = "relay:lastseen:"
	onlineTTL         = 3 * time.Minute
	lastSeenTTL       = 7 * 24 * time.Hour
	mirrorOpTimeout   = 2 * time.Second
)

// RedisMirror publishes presence transitions to redis so other processes can
// answer "is this user online" without reaching this node. Transitions are
// queued and written in order by Run; the in-process Registry stays the
// source of truth for delivery.
type RedisMirror struct {
	client *redis.Client
	nodeID string
	log    *zap.Logger
	queue  chan transitionOp
}

type transitionOp struct {
	user   domain.UserID
	online bool
}

const mirrorQueueSize = 1024

// NewRedisMirror creates a mirror writing through client. nodeID is stored as
// the value of each online key.
func NewRedisMirror(client *redis.Client, nodeID string, log *zap.Logger) *RedisMirror {
	return &RedisMirror{
		client: client,
		nodeID: nodeID,
		log:    log,
		queue:  make(chan transitionOp, mirrorQueueSize),
	}
}

func onlineKey(user domain.UserID) string {
	return fmt.Sprintf("%s%d", onlineKeyPrefix, user)
}

func lastSeenKey(user domain.UserID) string {
	return fmt.Sprintf("%s%d", lastSeenKeyPrefix, user)
}

// Online implements Observer.
func (m *RedisMirror) Online(user domain.UserID) { m.enqueue(transitionOp{user: user, online: true}) }

// Offline implements Observer.
func (m *RedisMirror) Offline(user domain.UserID) { m.enqueue(transitionOp{user: user}) }

// enqueue never blocks the registry; a full queue drops the transition and
// the periodic refresh or key TTL repairs it.
func (m *RedisMirror) enqueue(op transitionOp) {
	select {
	case m.queue <- op:
	default:
		m.log.Warn("Presence mirror queue full; dropping transition",
			zap.Int64("user", int64(op.user)), zap.Bool("online", op.online))
	}
}

func (m *RedisMirror) apply(ctx context.Context, op transitionOp) {
	opCtx, cancel := context.WithTimeout(ctx, mirrorOpTimeout)
	defer cancel()

	var err error
	if op.online {
		err = m.client.Set(opCtx, onlineKey(op.user), m.nodeID, onlineTTL).Err()
	} else {
		pipe := m.client.TxPipeline()
		pipe.Del(opCtx, onlineKey(op.user))
		pipe.Set(opCtx, lastSeenKey(op.user), strconv.FormatInt(time.Now().Unix(), 10), lastSeenTTL)
		_, err = pipe.Exec(opCtx)
	}
	if err != nil {
		m.log.Warn("Presence mirror write failed",
			zap.Int64("user", int64(op.user)), zap.Bool("online", op.online), zap.Error(err))
	}
}

// Run writes queued transitions and refreshes the TTL of every online user
// each interval until ctx is done.
func (m *RedisMirror) Run(ctx context.Context, interval time.Duration, users func() []domain.UserID) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.queue:
			m.apply(ctx, op)
		case <-ticker.C:
			m.refresh(ctx, users())
		}
	}
}

func (m *RedisMirror) refresh(ctx context.Context, users []domain.UserID) {
	if len(users) == 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, mirrorOpTimeout)
	defer cancel()
	pipe := m.client.Pipeline()
	for _, u := range users {
		pipe.Set(opCtx, onlineKey(u), m.nodeID, onlineTTL)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		m.log.Warn("Presence mirror refresh failed", zap.Int("users", len(users)), zap.Error(err))
	}
}
