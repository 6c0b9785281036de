package message

import (
	"strings"
	"unicode/utf8"

	"github.com/converse/chat-core/internal/chat"
)

// MaxContentChars is the longest message accepted after trimming.
const MaxContentChars = 1000

// Type enumerates message kinds, matching messages_type_enum.
type Type string

const (
	TypeText   Type = "text"
	TypeImage  Type = "image"
	TypeFile   Type = "file"
	TypeSystem Type = "system"
)

// ParseType maps a wire value to a Type. The empty string defaults to text.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "":
		return TypeText, nil
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return Type(s), nil
	}
	return "", chat.Errorf(chat.ErrValidation, "Unsupported message type %q", s)
}

// ValidateContent trims content and checks it is 1..MaxContentChars
// characters of valid UTF-8. It returns the trimmed content.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", chat.Errorf(chat.ErrValidation, "Message content is required")
	}
	if !utf8.ValidString(trimmed) {
		return "", chat.Errorf(chat.ErrValidation, "Message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentChars {
		return "", chat.Errorf(chat.ErrValidation, "Message exceeds %d character limit", MaxContentChars)
	}
	return trimmed, nil
}
