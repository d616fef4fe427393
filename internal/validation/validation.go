// Package validation checks inbound chat messages before they reach the
// relay pipeline.
package validation

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrMessageEmpty is returned when the message is empty or whitespace-only after trim.
var ErrMessageEmpty = errors.New("message is empty")

// ErrMessageTooLong is returned when the message exceeds the accepted length.
var ErrMessageTooLong = errors.New("message too long")

// ErrMessageInvalidEncoding is returned when the message is not valid UTF-8.
var ErrMessageInvalidEncoding = errors.New("message is not valid utf-8")

// MaxMessageRunes matches the Discord message length ceiling.
const MaxMessageRunes = 2000

// ValidateMessage trims surrounding whitespace and returns the cleaned
// message, or an error describing why it cannot be relayed.
func ValidateMessage(input string) (string, error) {
	if !utf8.ValidString(input) {
		return "", ErrMessageInvalidEncoding
	}

	cleaned := strings.TrimSpace(input)
	if cleaned == "" {
		return "", ErrMessageEmpty
	}
	if utf8.RuneCountInString(cleaned) > MaxMessageRunes {
		return "", ErrMessageTooLong
	}
	return cleaned, nil
}
