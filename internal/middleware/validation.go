package middleware

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// MaxTurnTextLength bounds one chat message in characters.
const MaxTurnTextLength = 2000

// ValidateTurnText validates a chat message.
func ValidateTurnText(text string) error {
	if len(text) == 0 {
		return errors.New("text cannot be empty")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTurnTextLength {
		return fmt.Errorf("text exceeds %d characters", MaxTurnTextLength)
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateOption validates a conflict resolution option name.
func ValidateOption(option model.ResolutionAction) error {
	if !slices.Contains(model.ResolutionOrder, option) {
		return fmt.Errorf("unknown option %q", option)
	}
	return nil
}
