package model

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096
	MaxContentRunes = 2000
)

var ErrEmptyContent = errors.New("message content is empty")

// ValidateContent checks that a chat message body meets content requirements.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return ErrEmptyContent
	}
	if len(text) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxContentRunes {
		return fmt.Errorf("message exceeds %d character limit", MaxContentRunes)
	}
	return nil
}
