// Package domain defines the identities, messages, groups, and commands that
// flow between the presence registry, the fan-out engine, and the stores.
package domain

import (
	"fmt"
	"time"
)

// UserID is the stable identity of a user.
type UserID int64

// GroupID identifies a group conversation.
type GroupID int64

// MessageID is assigned by the store when a message is created.
type MessageID int64

// Reaction is a single emoji reaction left by a user on a message.
type Reaction struct {
	UserID UserID `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Reactions keeps reactions in the order they were added. Duplicate entries
// from the same user are preserved.
type Reactions []Reaction

// Append returns a new slice with r appended; the receiver is not modified.
func (rs Reactions) Append(r Reaction) Reactions {
	out := make(Reactions, 0, len(rs)+1)
	out = append(out, rs...)
	return append(out, r)
}

// Message is a persisted direct or group message. Exactly one of ReceiverID
// and GroupID is set.
type Message struct {
	ID         MessageID `json:"id"`
	SenderID   UserID    `json:"sender_id"`
	ReceiverID *UserID   `json:"receiver_id"`
	GroupID    *GroupID  `json:"group_id"`
	Text       string    `json:"text"`
	Image      *string   `json:"image"`
	CreatedAt  time.Time `json:"created_at"`
	Reactions  Reactions `json:"reactions"`
}

// IsGroup reports whether the message belongs to a group conversation.
func (m Message) IsGroup() bool {
	return m.GroupID != nil
}

// Validate checks the receiver/group exclusivity rule.
func (m Message) Validate() error {
	switch {
	case m.ReceiverID == nil && m.GroupID == nil:
		return fmt.Errorf("message %d has neither receiver nor group", m.ID)
	case m.ReceiverID != nil && m.GroupID != nil:
		return fmt.Errorf("message %d has both receiver and group", m.ID)
	}
	return nil
}

// NewMessage carries the fields the caller supplies when creating a message.
// The store assigns the ID and CreatedAt.
type NewMessage struct {
	SenderID   UserID
	ReceiverID *UserID
	GroupID    *GroupID
	Text       string
	Image      *string
}

// Validate checks the receiver/group exclusivity rule for a message about to
// be persisted.
func (n NewMessage) Validate() error {
	return Message{SenderID: n.SenderID, ReceiverID: n.ReceiverID, GroupID: n.GroupID}.Validate()
}

// Group is a named set of members.
type Group struct {
	ID        GroupID
	Name      string
	CreatedBy UserID
	Members   []UserID
}
