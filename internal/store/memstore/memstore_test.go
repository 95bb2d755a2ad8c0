package memstore

import (
	"testing"

	"github.com/skillswap/chat-app/internal/store"
	"github.com/skillswap/chat-app/internal/store/storetest"
)

func TestMemstore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}
