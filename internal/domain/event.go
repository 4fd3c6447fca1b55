package domain

import (
	"encoding/json"
	"time"
)

// EventName is the name of an event pushed to a connection.
type EventName string

const (
	EventReceiveMessage      EventName = "receive-message"
	EventMessageDeleted      EventName = "message-deleted"
	EventReactionAdded       EventName = "reaction-added"
	EventMessageForwarded    EventName = "message-forwarded"
	EventReceiveGroupMessage EventName = "receive-group-message"
	EventError               EventName = "error"
)

// Command is implemented by every inbound domain event the fan-out engine
// accepts. The unexported method closes the set.
type Command interface {
	commandName() string
}

// SendDirect asks for a direct message from SenderID to ReceiverID.
type SendDirect struct {
	SenderID   UserID  `json:"sender_id" validate:"required,gt=0"`
	ReceiverID UserID  `json:"receiver_id" validate:"required,gt=0"`
	Text       string  `json:"text" validate:"max=4096"`
	Image      *string `json:"image,omitempty" validate:"omitempty,max=1024"`
}

// DeleteMessage asks for the removal of a message owned by RequesterID.
type DeleteMessage struct {
	MessageID   MessageID `json:"messageId" validate:"required,gt=0"`
	RequesterID UserID    `json:"sender_id" validate:"required,gt=0"`
}

// AddReaction appends a reaction to a message.
type AddReaction struct {
	MessageID MessageID `json:"messageId" validate:"required,gt=0"`
	UserID    UserID    `json:"userId" validate:"required,gt=0"`
	Emoji     string    `json:"emoji" validate:"required,max=64"`
}

// ForwardMessage copies SourceID into a new direct message to ReceiverID.
type ForwardMessage struct {
	SenderID   UserID    `json:"sender_id" validate:"required,gt=0"`
	ReceiverID UserID    `json:"receiver_id" validate:"required,gt=0"`
	SourceID   MessageID `json:"messageId" validate:"required,gt=0"`
}

// SendGroupMessage posts a message to every member of GroupID.
type SendGroupMessage struct {
	GroupID  GroupID `json:"group_id" validate:"required,gt=0"`
	SenderID UserID  `json:"sender_id" validate:"required,gt=0"`
	Text     string  `json:"text" validate:"required,max=4096"`
}

func (SendDirect) commandName() string       { return "message" }
func (DeleteMessage) commandName() string    { return "delete-message" }
func (AddReaction) commandName() string      { return "add-reaction" }
func (ForwardMessage) commandName() string   { return "forward-message" }
func (SendGroupMessage) commandName() string { return "send-group-message" }

// CommandName returns the inbound event name of c.
func CommandName(c Command) string {
	return c.commandName()
}

// Outbound is the envelope pushed to connections.
type Outbound struct {
	Type EventName       `json:"type"`
	Data json.RawMessage `json:"data"`
	Ts   int64           `json:"ts"`
}

// Deleted is the payload of message-deleted.
type Deleted struct {
	MessageID MessageID `json:"messageId"`
}

// ReactionsUpdated is the payload of reaction-added.
type ReactionsUpdated struct {
	MessageID MessageID `json:"messageId"`
	Reactions Reactions `json:"reactions"`
}

// Forwarded is the payload of message-forwarded.
type Forwarded struct {
	ReceiverID UserID  `json:"receiverId"`
	Message    Message `json:"message"`
}

// Failure is the payload of error events sent to the calling connection.
type Failure struct {
	Command string `json:"command,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds the outbound frame for name with payload marshalled as data.
func Encode(name EventName, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Outbound{Type: name, Data: data, Ts: time.Now().UnixMilli()})
}
