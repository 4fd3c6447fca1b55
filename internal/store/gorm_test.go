package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// chatSchema is the MySQL schema the chat backend creates, plus the reactions
// column on group_messages.
var chatSchema = []string{
	"DROP TABLE IF EXISTS group_messages",
	"DROP TABLE IF EXISTS group_members",
	"DROP TABLE IF EXISTS messages",
	"DROP TABLE IF EXISTS `groups`",
	"DROP TABLE IF EXISTS users",
	`CREATE TABLE users (
		id INT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(50) NOT NULL,
		email VARCHAR(100) NOT NULL UNIQUE,
		password VARCHAR(255) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE messages (
		id INT AUTO_INCREMENT PRIMARY KEY,
		sender_id INT NOT NULL,
		receiver_id INT,
		text TEXT,
		image VARCHAR(255),
		status ENUM('sent', 'delivered', 'read') DEFAULT 'sent',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		reactions JSON,
		FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (receiver_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	"CREATE TABLE `groups` (" + `
		id INT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		created_by INT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (created_by) REFERENCES users(id)
	)`,
	`CREATE TABLE group_members (
		id INT AUTO_INCREMENT PRIMARY KEY,
		group_id INT NOT NULL,
		user_id INT NOT NULL,
		joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (group_id) REFERENCES ` + "`groups`" + `(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE group_messages (
		id INT AUTO_INCREMENT PRIMARY KEY,
		group_id INT NOT NULL,
		sender_id INT NOT NULL,
		text TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		reactions JSON,
		FOREIGN KEY (group_id) REFERENCES ` + "`groups`" + `(id) ON DELETE CASCADE,
		FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
}

type gormSeeder struct{ *GORM }

func (g gormSeeder) seed(t *testing.T, users []domain.UserID, groups ...domain.Group) {
	for _, u := range users {
		require.NoError(t, g.db.Exec(
			"INSERT IGNORE INTO users (id, username, email, password) VALUES (?, ?, ?, ?)",
			int64(u), fmt.Sprintf("user%d", u), fmt.Sprintf("user%d@relay.test", u), "x",
		).Error)
	}
	for _, grp := range groups {
		require.NoError(t, g.db.Exec(
			"INSERT IGNORE INTO `groups` (id, name, created_by) VALUES (?, ?, ?)",
			int64(grp.ID), grp.Name, int64(grp.CreatedBy),
		).Error)
		for _, m := range grp.Members {
			require.NoError(t, g.db.Exec(
				"INSERT INTO group_members (group_id, user_id) VALUES (?, ?)", int64(grp.ID), int64(m),
			).Error)
		}
	}
}

// openTestMySQL connects to RELAY_TEST_MYSQL_DSN and recreates the chat
// schema. Users 1..3 and group 5 exist up front because the tables enforce
// foreign keys.
func openTestMySQL(t *testing.T) gormSeeder {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_MYSQL_DSN not set")
	}
	g, err := OpenMySQL(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	for _, stmt := range chatSchema {
		require.NoError(t, g.db.Exec(stmt).Error)
	}
	s := gormSeeder{g}
	s.seed(t, []domain.UserID{1, 2, 3}, domain.Group{ID: 5, Name: "seed", CreatedBy: 1})
	return s
}

func TestGORM_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) seeder { return openTestMySQL(t) })
}

func TestGORM_GroupMessagesUseOwnTable(t *testing.T) {
	req := require.New(t)
	s := openTestMySQL(t)
	ctx := t.Context()
	group := domain.GroupID(5)
	receiver := domain.UserID(2)

	direct, err := s.CreateMessage(ctx, domain.NewMessage{SenderID: 1, ReceiverID: &receiver, Text: "dm"})
	req.NoError(err)
	grouped, err := s.CreateMessage(ctx, domain.NewMessage{SenderID: 1, GroupID: &group, Text: "all"})
	req.NoError(err)
	req.Less(direct, GroupMessageIDBase)
	req.Greater(grouped, GroupMessageIDBase)

	var n int64
	req.NoError(s.db.Table("group_messages").Count(&n).Error)
	req.Equal(int64(1), n)

	msg, err := s.GetMessage(ctx, grouped)
	req.NoError(err)
	req.Equal(grouped, msg.ID)
	req.Equal("all", msg.Text)
	req.WithinDuration(time.Now(), msg.CreatedAt, time.Minute)

	req.NoError(s.DeleteMessage(ctx, grouped))
	_, err = s.GetMessage(ctx, grouped)
	req.ErrorIs(err, domain.ErrNotFound)
	_, err = s.GetMessage(ctx, direct)
	req.NoError(err)
}

func TestMySQLConfig(t *testing.T) {
	req := require.New(t)
	cfg, err := mysqlConfig("user:pw@tcp(db:3306)/chat")
	req.NoError(err)
	req.True(cfg.ParseTime)
	req.Equal(time.UTC, cfg.Loc)
	req.Equal("user", cfg.User)
	req.Equal("chat", cfg.DBName)
	req.True(strings.Contains(cfg.FormatDSN(), "parseTime=true"), cfg.FormatDSN())

	cfg, err = mysqlConfig("user:pw@tcp(db:3306)/chat?parseTime=false&loc=Local")
	req.NoError(err)
	req.True(cfg.ParseTime)
	req.Equal(time.UTC, cfg.Loc)

	_, err = mysqlConfig("not a dsn")
	req.Error(err)
}

func TestSplitID(t *testing.T) {
	row, group := splitID(42)
	require.Equal(t, int64(42), row)
	require.False(t, group)

	row, group = splitID(GroupMessageIDBase + 7)
	require.Equal(t, int64(7), row)
	require.True(t, group)
}

func TestMessageModel_RoundTrip(t *testing.T) {
	req := require.New(t)
	receiver := domain.UserID(2)
	image := "uploads/a.png"

	m := messageModelFrom(domain.NewMessage{SenderID: 1, ReceiverID: &receiver, Text: "hi", Image: &image})
	req.Equal(sql.NullInt64{Int64: 2, Valid: true}, m.ReceiverID)
	req.NotNil(m.Reactions)

	m.ID = 7
	m.CreatedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	msg := m.toDomain()
	req.Equal(domain.MessageID(7), msg.ID)
	req.Equal(&receiver, msg.ReceiverID)
	req.Nil(msg.GroupID)
	req.Equal(&image, msg.Image)
	req.Equal(time.UTC, msg.CreatedAt.Location())
	req.Empty(msg.Reactions)
}

func TestGroupMessageModel_ToDomain(t *testing.T) {
	m := groupMessageModel{ID: 3, GroupID: 100, SenderID: 4, Text: "all"}

	msg := m.toDomain()
	require.Equal(t, GroupMessageIDBase+3, msg.ID)
	require.Equal(t, domain.GroupID(100), *msg.GroupID)
	require.Nil(t, msg.ReceiverID)
	require.Nil(t, msg.Image)
	require.NotNil(t, msg.Reactions)
	require.NoError(t, msg.Validate())
}
