package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// SendDirect persists a direct message and delivers the stored record to the
// sender's and receiver's connections.
func (e *Engine) SendDirect(ctx context.Context, cmd domain.SendDirect) (domain.Message, error) {
	if err := domain.ValidateCommand(cmd); err != nil {
		return domain.Message{}, err
	}
	// Persistence outlives the caller's connection.
	ctx = context.WithoutCancel(ctx)

	if err := e.requireUsers(ctx, cmd.SenderID, cmd.ReceiverID); err != nil {
		return domain.Message{}, err
	}
	receiver := cmd.ReceiverID
	msg, err := e.create(ctx, domain.NewMessage{
		SenderID:   cmd.SenderID,
		ReceiverID: &receiver,
		Text:       cmd.Text,
		Image:      cmd.Image,
	})
	if err != nil {
		return domain.Message{}, err
	}

	e.log.Info("Direct message stored",
		zap.Int64("id", int64(msg.ID)), zap.Int64("sender", int64(cmd.SenderID)), zap.Int64("receiver", int64(receiver)))
	e.deliver(ctx, domain.EventReceiveMessage, msg, directRecipients(msg))
	return msg, nil
}

// DeleteMessage removes a message owned by the requester and notifies the
// message's participants.
func (e *Engine) DeleteMessage(ctx context.Context, cmd domain.DeleteMessage) error {
	if err := domain.ValidateCommand(cmd); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	unlock := e.messages.lock(cmd.MessageID)
	msg, err := e.get(ctx, cmd.MessageID)
	if err != nil {
		unlock()
		return err
	}
	if msg.SenderID != cmd.RequesterID {
		unlock()
		e.log.Info("Delete refused for non-owner",
			zap.Int64("id", int64(msg.ID)), zap.Int64("requester", int64(cmd.RequesterID)))
		return fmt.Errorf("%w: message %d is not owned by user %d", domain.ErrForbidden, msg.ID, cmd.RequesterID)
	}
	recipients, err := e.participants(ctx, msg)
	if err != nil {
		unlock()
		return err
	}
	if err = e.store.DeleteMessage(ctx, msg.ID); err != nil {
		unlock()
		return storageErr("delete message", err)
	}
	unlock()

	e.log.Info("Message deleted", zap.Int64("id", int64(msg.ID)), zap.Int64("by", int64(cmd.RequesterID)))
	e.deliver(ctx, domain.EventMessageDeleted, domain.Deleted{MessageID: msg.ID}, recipients)
	return nil
}

// AddReaction appends a reaction and broadcasts the full reaction list to the
// message's participants. Identical reactions are kept as separate entries.
func (e *Engine) AddReaction(ctx context.Context, cmd domain.AddReaction) (domain.Reactions, error) {
	if err := domain.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	unlock := e.messages.lock(cmd.MessageID)
	msg, err := e.get(ctx, cmd.MessageID)
	if err != nil {
		unlock()
		return nil, err
	}
	reactions := msg.Reactions.Append(domain.Reaction{UserID: cmd.UserID, Emoji: cmd.Emoji})
	if err = e.store.UpdateReactions(ctx, msg.ID, reactions); err != nil {
		unlock()
		return nil, storageErr("update reactions", err)
	}
	unlock()

	recipients, err := e.participants(ctx, msg)
	if err != nil {
		// The reaction is stored; only the notice is lost.
		e.log.Warn("Reaction stored but recipients unresolved", zap.Int64("id", int64(msg.ID)), zap.Error(err))
		return reactions, nil
	}
	e.log.Debug("Reaction added", zap.Int64("id", int64(msg.ID)), zap.Int64("user", int64(cmd.UserID)), zap.String("emoji", cmd.Emoji))
	e.deliver(ctx, domain.EventReactionAdded, domain.ReactionsUpdated{MessageID: msg.ID, Reactions: reactions}, recipients)
	return reactions, nil
}

// ForwardMessage copies the text and image of an existing message into a new
// direct message and delivers it to the forwarding sender and the receiver.
func (e *Engine) ForwardMessage(ctx context.Context, cmd domain.ForwardMessage) (domain.Message, error) {
	if err := domain.ValidateCommand(cmd); err != nil {
		return domain.Message{}, err
	}
	ctx = context.WithoutCancel(ctx)

	source, err := e.get(ctx, cmd.SourceID)
	if err != nil {
		return domain.Message{}, err
	}
	if err = e.requireUsers(ctx, cmd.SenderID, cmd.ReceiverID); err != nil {
		return domain.Message{}, err
	}
	receiver := cmd.ReceiverID
	msg, err := e.create(ctx, domain.NewMessage{
		SenderID:   cmd.SenderID,
		ReceiverID: &receiver,
		Text:       source.Text,
		Image:      source.Image,
	})
	if err != nil {
		return domain.Message{}, err
	}

	e.log.Info("Message forwarded",
		zap.Int64("source", int64(source.ID)), zap.Int64("id", int64(msg.ID)),
		zap.Int64("sender", int64(cmd.SenderID)), zap.Int64("receiver", int64(receiver)))
	e.deliver(ctx, domain.EventMessageForwarded, domain.Forwarded{ReceiverID: receiver, Message: msg}, directRecipients(msg))
	return msg, nil
}

// SendGroupMessage persists a group message and delivers it to every member
// that is currently connected. Offline members are skipped.
func (e *Engine) SendGroupMessage(ctx context.Context, cmd domain.SendGroupMessage) (domain.Message, error) {
	if err := domain.ValidateCommand(cmd); err != nil {
		return domain.Message{}, err
	}
	ctx = context.WithoutCancel(ctx)

	ok, err := e.store.GroupExists(ctx, cmd.GroupID)
	if err != nil {
		return domain.Message{}, storageErr("group exists", err)
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %d", domain.ErrUnknownGroup, cmd.GroupID)
	}
	group := cmd.GroupID
	msg, err := e.create(ctx, domain.NewMessage{
		SenderID: cmd.SenderID,
		GroupID:  &group,
		Text:     cmd.Text,
	})
	if err != nil {
		return domain.Message{}, err
	}

	members, err := e.groupMembers(ctx, group)
	if err != nil {
		e.log.Warn("Group message stored but members unresolved", zap.Int64("id", int64(msg.ID)), zap.Error(err))
		return msg, nil
	}
	e.log.Info("Group message stored",
		zap.Int64("id", int64(msg.ID)), zap.Int64("group", int64(group)), zap.Int("members", len(members)))
	e.deliver(ctx, domain.EventReceiveGroupMessage, msg, members)
	return msg, nil
}

// create persists under the sender's lock so one sender's messages are stored
// in call order, then reads back the stored record.
func (e *Engine) create(ctx context.Context, n domain.NewMessage) (domain.Message, error) {
	unlock := e.senders.lock(n.SenderID)
	id, err := e.store.CreateMessage(ctx, n)
	unlock()
	if err != nil {
		return domain.Message{}, storageErr("create message", err)
	}
	msg, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, storageErr("read created message", err)
	}
	return msg, nil
}

func (e *Engine) get(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	msg, err := e.store.GetMessage(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Message{}, fmt.Errorf("%w: %d", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Message{}, storageErr("get message", err)
	}
	return msg, nil
}

func (e *Engine) requireUsers(ctx context.Context, users ...domain.UserID) error {
	for _, u := range lo.Uniq(users) {
		ok, err := e.store.UserExists(ctx, u)
		if err != nil {
			return storageErr("user exists", err)
		}
		if !ok {
			return fmt.Errorf("%w: %d", domain.ErrUnknownUser, u)
		}
	}
	return nil
}

func (e *Engine) groupMembers(ctx context.Context, id domain.GroupID) ([]domain.UserID, error) {
	members, err := e.store.GroupMembers(ctx, id)
	if err != nil {
		return nil, storageErr("group members", err)
	}
	return lo.Uniq(members), nil
}

// participants is the audience of notices about msg: sender and receiver of a
// direct message, every member of a group message's group.
func (e *Engine) participants(ctx context.Context, msg domain.Message) ([]domain.UserID, error) {
	if msg.IsGroup() {
		return e.groupMembers(ctx, *msg.GroupID)
	}
	return directRecipients(msg), nil
}

func directRecipients(msg domain.Message) []domain.UserID {
	users := []domain.UserID{msg.SenderID}
	if msg.ReceiverID != nil {
		users = append(users, *msg.ReceiverID)
	}
	return lo.Uniq(users)
}

// storageErr keeps sentinel errors the store already classified and wraps
// everything else as a storage failure.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrStorage),
		errors.Is(err, domain.ErrNotFound):
		return err
	default:
		return domain.StorageError(op, err)
	}
}
