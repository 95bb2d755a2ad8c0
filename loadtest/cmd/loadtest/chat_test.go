package main

import (
	"testing"
	"time"
)

func TestPayloadCarriesSendTime(t *testing.T) {
	now := time.Unix(1700000000, 123456789)

	body := payload(now, 128)
	if len(body) != 128 {
		t.Errorf("len = %d, want 128", len(body))
	}
	got, ok := sentAt(body)
	if !ok || !got.Equal(now) {
		t.Errorf("sentAt = %v, %v", got, ok)
	}

	if short := payload(now, 1); short == "" {
		t.Error("payload shorter than its header must still carry the header")
	} else if _, ok := sentAt(short); !ok {
		t.Error("short payload not parseable")
	}

	if huge := payload(now, 100000); len(huge) != maxTextChars {
		t.Errorf("payload should be clamped to %d, got %d", maxTextChars, len(huge))
	}
}

func TestSentAtRejectsForeignBodies(t *testing.T) {
	for _, body := range []string{"hello", "lt|", "lt|abc|x", "lt|123"} {
		if _, ok := sentAt(body); ok {
			t.Errorf("sentAt(%q) should fail", body)
		}
	}
}
