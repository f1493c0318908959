package models

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content is too long")
)

// NormalizeContent trims content and enforces the length limit, counted in
// characters. maxLength <= 0 means MaxMessageLength.
func NormalizeContent(content string, maxLength int) (string, error) {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}
