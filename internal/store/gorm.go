package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// GroupMessageIDBase separates the two message tables in the MessageID
// space. Rows of group_messages are exposed as GroupMessageIDBase+id, rows of
// messages keep their own id.
const GroupMessageIDBase domain.MessageID = 1 << 40

// messageModel maps the messages table of direct messages. Reactions are
// stored as a JSON column and decoded only here.
type messageModel struct {
	ID         int64            `gorm:"column:id;primaryKey;autoIncrement"`
	SenderID   int64            `gorm:"column:sender_id;not null"`
	ReceiverID sql.NullInt64    `gorm:"column:receiver_id"`
	Text       string           `gorm:"column:text;type:text"`
	Image      sql.NullString   `gorm:"column:image"`
	Reactions  domain.Reactions `gorm:"column:reactions;type:json;serializer:json"`
	CreatedAt  time.Time        `gorm:"column:created_at;autoCreateTime"`
}

func (messageModel) TableName() string { return "messages" }

// groupMessageModel maps group_messages. The reactions column is the one
// addition this store needs on top of the chat schema.
type groupMessageModel struct {
	ID        int64            `gorm:"column:id;primaryKey;autoIncrement"`
	GroupID   int64            `gorm:"column:group_id;not null"`
	SenderID  int64            `gorm:"column:sender_id;not null"`
	Text      string           `gorm:"column:text;type:text"`
	Reactions domain.Reactions `gorm:"column:reactions;type:json;serializer:json"`
	CreatedAt time.Time        `gorm:"column:created_at;autoCreateTime"`
}

func (groupMessageModel) TableName() string { return "group_messages" }

type userModel struct {
	ID int64 `gorm:"column:id;primaryKey"`
}

func (userModel) TableName() string { return "users" }

type groupModel struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	Name      string `gorm:"column:name"`
	CreatedBy int64  `gorm:"column:created_by"`
}

func (groupModel) TableName() string { return "groups" }

type groupMemberModel struct {
	GroupID int64 `gorm:"column:group_id"`
	UserID  int64 `gorm:"column:user_id"`
}

func (groupMemberModel) TableName() string { return "group_members" }

// splitID maps a MessageID onto its table row.
func splitID(id domain.MessageID) (row int64, group bool) {
	if id > GroupMessageIDBase {
		return int64(id - GroupMessageIDBase), true
	}
	return int64(id), false
}

func nonNil(rs domain.Reactions) domain.Reactions {
	if rs == nil {
		return domain.Reactions{}
	}
	return rs
}

func (m *messageModel) toDomain() domain.Message {
	msg := domain.Message{
		ID:        domain.MessageID(m.ID),
		SenderID:  domain.UserID(m.SenderID),
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC(),
		Reactions: nonNil(m.Reactions),
	}
	if m.ReceiverID.Valid {
		r := domain.UserID(m.ReceiverID.Int64)
		msg.ReceiverID = &r
	}
	if m.Image.Valid {
		img := m.Image.String
		msg.Image = &img
	}
	return msg
}

func (m *groupMessageModel) toDomain() domain.Message {
	group := domain.GroupID(m.GroupID)
	return domain.Message{
		ID:        GroupMessageIDBase + domain.MessageID(m.ID),
		SenderID:  domain.UserID(m.SenderID),
		GroupID:   &group,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC(),
		Reactions: nonNil(m.Reactions),
	}
}

func messageModelFrom(n domain.NewMessage) *messageModel {
	m := &messageModel{
		SenderID:  int64(n.SenderID),
		Text:      n.Text,
		Reactions: domain.Reactions{},
	}
	if n.ReceiverID != nil {
		m.ReceiverID = sql.NullInt64{Int64: int64(*n.ReceiverID), Valid: true}
	}
	if n.Image != nil {
		m.Image = sql.NullString{String: *n.Image, Valid: true}
	}
	return m
}

// GORM is a MessageStore over the chat MySQL schema (users, groups,
// group_members, messages, group_messages) reached through gorm. The tables
// must already exist. Group messages carry no image.
type GORM struct {
	db *gorm.DB
}

// mysqlConfig parses dsn and forces the settings the models rely on:
// TIMESTAMP columns scanned as time.Time in UTC.
func mysqlConfig(dsn string) (*gomysql.Config, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg, nil
}

// OpenMySQL connects to the database described by dsn.
func OpenMySQL(dsn string) (*GORM, error) {
	cfg, err := mysqlConfig(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(mysql.New(mysql.Config{DSN: cfg.FormatDSN(), DSNConfig: cfg}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewGORM(db), nil
}

// NewGORM wraps an existing gorm handle. The handle must scan TIMESTAMP
// columns as time.Time (parseTime=true).
func NewGORM(db *gorm.DB) *GORM {
	return &GORM{db: db}
}

// Close closes the underlying connection pool.
func (g *GORM) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GORM) CreateMessage(ctx context.Context, msg domain.NewMessage) (domain.MessageID, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if msg.GroupID != nil {
		model := &groupMessageModel{
			GroupID:   int64(*msg.GroupID),
			SenderID:  int64(msg.SenderID),
			Text:      msg.Text,
			Reactions: domain.Reactions{},
		}
		if err := g.db.WithContext(ctx).Create(model).Error; err != nil {
			return 0, domain.StorageError("create group message", err)
		}
		return GroupMessageIDBase + domain.MessageID(model.ID), nil
	}
	model := messageModelFrom(msg)
	if err := g.db.WithContext(ctx).Create(model).Error; err != nil {
		return 0, domain.StorageError("create message", err)
	}
	return domain.MessageID(model.ID), nil
}

func (g *GORM) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	row, group := splitID(id)
	var (
		err error
		msg domain.Message
	)
	if group {
		var model groupMessageModel
		err = g.db.WithContext(ctx).Where("id = ?", row).First(&model).Error
		msg = model.toDomain()
	} else {
		var model messageModel
		err = g.db.WithContext(ctx).Where("id = ?", row).First(&model).Error
		msg = model.toDomain()
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, domain.StorageError("get message", err)
	}
	return msg, nil
}

func (g *GORM) DeleteMessage(ctx context.Context, id domain.MessageID) error {
	row, group := splitID(id)
	var model any = &messageModel{}
	if group {
		model = &groupMessageModel{}
	}
	if err := g.db.WithContext(ctx).Delete(model, row).Error; err != nil {
		return domain.StorageError("delete message", err)
	}
	return nil
}

func (g *GORM) UpdateReactions(ctx context.Context, id domain.MessageID, reactions domain.Reactions) error {
	row, group := splitID(id)
	var target, values, table any
	if group {
		target, values, table = &groupMessageModel{ID: row}, &groupMessageModel{Reactions: reactions}, &groupMessageModel{}
	} else {
		target, values, table = &messageModel{ID: row}, &messageModel{Reactions: reactions}, &messageModel{}
	}
	res := g.db.WithContext(ctx).Model(target).Select("reactions").Updates(values)
	if res.Error != nil {
		return domain.StorageError("update reactions", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the value is unchanged.
	var n int64
	if err := g.db.WithContext(ctx).Model(table).Where("id = ?", row).Count(&n).Error; err != nil {
		return domain.StorageError("update reactions", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (g *GORM) UserExists(ctx context.Context, id domain.UserID) (bool, error) {
	var n int64
	if err := g.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", int64(id)).Count(&n).Error; err != nil {
		return false, domain.StorageError("user exists", err)
	}
	return n > 0, nil
}

func (g *GORM) GroupExists(ctx context.Context, id domain.GroupID) (bool, error) {
	var n int64
	if err := g.db.WithContext(ctx).Model(&groupModel{}).Where("id = ?", int64(id)).Count(&n).Error; err != nil {
		return false, domain.StorageError("group exists", err)
	}
	return n > 0, nil
}

func (g *GORM) GroupMembers(ctx context.Context, id domain.GroupID) ([]domain.UserID, error) {
	var ids []int64
	if err := g.db.WithContext(ctx).
		Model(&groupMemberModel{}).
		Where("group_id = ?", int64(id)).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, domain.StorageError("group members", err)
	}
	members := make([]domain.UserID, 0, len(ids))
	for _, uid := range ids {
		members = append(members, domain.UserID(uid))
	}
	return members, nil
}
