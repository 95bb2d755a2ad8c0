package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 16384 // hard cap on the encoded body
	MaxTextChars    = 5000  // max character count
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateNotification checks a relayed push notification.
func ValidateNotification(title, message string) error {
	if strings.TrimSpace(title) == "" && strings.TrimSpace(message) == "" {
		return fmt.Errorf("notification has neither title nor message")
	}
	if len(title)+len(message) > MaxMessageBytes {
		return fmt.Errorf("notification exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(title) || !utf8.ValidString(message) {
		return fmt.Errorf("notification contains invalid UTF-8")
	}
	return nil
}
