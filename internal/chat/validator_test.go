package chat

import (
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"ok", "hello", false},
		{"empty", "", true},
		{"whitespace", "  \n\t ", true},
		{"invalid utf8", "bad\xffbyte", true},
		{"max chars", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNotification(t *testing.T) {
	if err := ValidateNotification("", ""); err == nil {
		t.Error("empty notification should fail")
	}
	if err := ValidateNotification("New session", ""); err != nil {
		t.Errorf("title-only notification: %v", err)
	}
}
