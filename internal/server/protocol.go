// Package server decodes inbound JSON envelopes into session actions and
// domain commands.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/domain"
)

// Inbound frame types handled by the session rather than the engine.
const (
	typeRegister   = "register"
	typeUnregister = "unregister"
)

// envelope is the inbound frame: {"type": "...", "data": {...}}.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type registerPayload struct {
	UserID    domain.UserID `json:"userId"`
	SnakeCase domain.UserID `json:"user_id"`
}

var commandDecoders = map[string]func(json.RawMessage) (domain.Command, error){
	"message":            decodeAs[domain.SendDirect],
	"delete-message":     decodeAs[domain.DeleteMessage],
	"add-reaction":       decodeAs[domain.AddReaction],
	"forward-message":    decodeAs[domain.ForwardMessage],
	"send-group-message": decodeAs[domain.SendGroupMessage],
}

// knownType reports whether t is an inbound type this server understands.
func knownType(t string) bool {
	if t == typeRegister || t == typeUnregister {
		return true
	}
	_, ok := commandDecoders[t]
	return ok
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(bytes.TrimSpace(raw), &env); err != nil {
		return envelope{}, fmt.Errorf("%w: malformed frame: %w", domain.ErrInvalidCommand, err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: missing type", domain.ErrInvalidCommand)
	}
	return env, nil
}

// decodeRegister accepts {"user_id": 7}, {"userId": 7} or a bare 7.
func decodeRegister(data json.RawMessage) (domain.UserID, error) {
	var bare domain.UserID
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	var p registerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, fmt.Errorf("%w: register: %w", domain.ErrInvalidCommand, err)
	}
	if p.SnakeCase != 0 {
		return p.SnakeCase, nil
	}
	return p.UserID, nil
}

func decodeCommand(env envelope) (domain.Command, error) {
	decode, ok := commandDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidCommand, env.Type)
	}
	return decode(env.Data)
}

func decodeAs[T domain.Command](data json.RawMessage) (domain.Command, error) {
	var cmd T
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", domain.ErrInvalidCommand)
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidCommand, domain.CommandName(cmd), err)
	}
	return cmd, nil
}
