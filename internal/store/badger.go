package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

const (
	badgerSeqKey       = "seq:msg"
	badgerSeqBandwidth = 100
)

// Badger is a MessageStore backed by an embedded BadgerDB.
//
// Keys:
//   - "msg:{id padded to 19 digits}" holds a JSON encoded badgerMessage
//   - "user:{id}" marks a known user
//   - "group:{id}" holds a JSON encoded badgerGroup
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
	log *zap.Logger
	now func() time.Time
}

type badgerMessage struct {
	ID         int64            `json:"id"`
	SenderID   int64            `json:"sender_id"`
	ReceiverID *int64           `json:"receiver_id,omitempty"`
	GroupID    *int64           `json:"group_id,omitempty"`
	Text       string           `json:"text"`
	Image      *string          `json:"image,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	Reactions  domain.Reactions `json:"reactions"`
}

type badgerGroup struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	CreatedBy int64   `json:"created_by"`
	Members   []int64 `json:"members"`
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct{ *zap.SugaredLogger }

func (l badgerLogger) Warningf(format string, args ...any) { l.Warnf(format, args...) }

// OpenBadger opens (or creates) a Badger store in dir.
func OpenBadger(dir string, log *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log.Named("badger").Sugar()}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return NewBadger(db, log)
}

// NewBadger wraps an already opened database.
func NewBadger(db *badger.DB, log *zap.Logger) (*Badger, error) {
	seq, err := db.GetSequence([]byte(badgerSeqKey), badgerSeqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &Badger{db: db, seq: seq, log: log, now: time.Now}, nil
}

// Close releases the id sequence and closes the database.
func (b *Badger) Close() error {
	if err := b.seq.Release(); err != nil {
		b.log.Warn("Release message sequence", zap.Error(err))
	}
	return b.db.Close()
}

func msgKey(id domain.MessageID) []byte {
	return []byte(fmt.Sprintf("msg:%019d", id))
}

func userKey(id domain.UserID) []byte {
	return []byte(fmt.Sprintf("user:%d", id))
}

func groupKey(id domain.GroupID) []byte {
	return []byte(fmt.Sprintf("group:%d", id))
}

// AddUser marks ids as existing users.
func (b *Badger) AddUser(ids ...domain.UserID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Set(userKey(id), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddGroup stores g, replacing any group with the same ID.
func (b *Badger) AddGroup(g domain.Group) error {
	rec := badgerGroup{ID: int64(g.ID), Name: g.Name, CreatedBy: int64(g.CreatedBy)}
	for _, m := range g.Members {
		rec.Members = append(rec.Members, int64(m))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(groupKey(g.ID), data)
	})
}

func (b *Badger) CreateMessage(_ context.Context, msg domain.NewMessage) (domain.MessageID, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	next, err := b.seq.Next()
	if err != nil {
		return 0, domain.StorageError("next message id", err)
	}
	id := domain.MessageID(next + 1)
	rec := badgerMessage{
		ID:        int64(id),
		SenderID:  int64(msg.SenderID),
		Text:      msg.Text,
		Image:     msg.Image,
		CreatedAt: b.now().UnixNano(),
		Reactions: domain.Reactions{},
	}
	if msg.ReceiverID != nil {
		r := int64(*msg.ReceiverID)
		rec.ReceiverID = &r
	}
	if msg.GroupID != nil {
		g := int64(*msg.GroupID)
		rec.GroupID = &g
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(msgKey(id), data)
	}); err != nil {
		return 0, domain.StorageError("create message", err)
	}
	return id, nil
}

func (b *Badger) GetMessage(_ context.Context, id domain.MessageID) (domain.Message, error) {
	var rec badgerMessage
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, domain.StorageError("get message", err)
	}
	return rec.toDomain(), nil
}

func (b *Badger) DeleteMessage(_ context.Context, id domain.MessageID) error {
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(msgKey(id))
	}); err != nil {
		return domain.StorageError("delete message", err)
	}
	return nil
}

func (b *Badger) UpdateReactions(_ context.Context, id domain.MessageID, reactions domain.Reactions) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(id))
		if err != nil {
			return err
		}
		var rec badgerMessage
		if err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		rec.Reactions = reactions
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(msgKey(id), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.StorageError("update reactions", err)
	}
	return nil
}

func (b *Badger) UserExists(_ context.Context, id domain.UserID) (bool, error) {
	return b.exists(userKey(id))
}

func (b *Badger) GroupExists(_ context.Context, id domain.GroupID) (bool, error) {
	return b.exists(groupKey(id))
}

func (b *Badger) exists(key []byte) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, domain.StorageError("lookup "+string(key), err)
	}
}

func (b *Badger) GroupMembers(_ context.Context, id domain.GroupID) ([]domain.UserID, error) {
	var rec badgerGroup
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(groupKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StorageError("group members", err)
	}
	members := make([]domain.UserID, 0, len(rec.Members))
	for _, m := range rec.Members {
		members = append(members, domain.UserID(m))
	}
	return members, nil
}

func (rec badgerMessage) toDomain() domain.Message {
	msg := domain.Message{
		ID:        domain.MessageID(rec.ID),
		SenderID:  domain.UserID(rec.SenderID),
		Text:      rec.Text,
		Image:     rec.Image,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
		Reactions: rec.Reactions,
	}
	if msg.Reactions == nil {
		msg.Reactions = domain.Reactions{}
	}
	if rec.ReceiverID != nil {
		r := domain.UserID(*rec.ReceiverID)
		msg.ReceiverID = &r
	}
	if rec.GroupID != nil {
		g := domain.GroupID(*rec.GroupID)
		msg.GroupID = &g
	}
	return msg
}
