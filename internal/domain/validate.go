package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidCommand is returned for commands that fail field validation.
var ErrInvalidCommand = errors.New("invalid command")

var validate = validator.New()

// ValidateCommand checks the validate tags of c.
func ValidateCommand(c Command) error {
	if c == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidCommand, c.commandName(), err)
	}
	return nil
}
