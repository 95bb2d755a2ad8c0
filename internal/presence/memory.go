package presence

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is a single-process Registry.
type MemoryRegistry struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{users: make(map[string]map[string]struct{})}
}

func (r *MemoryRegistry) Register(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	before := len(set)
	set[connID] = struct{}{}
	return before == 0 && len(set) == 1, nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		return false, nil
	}
	if _, member := set[connID]; !member {
		return false, nil
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
		return true, nil
	}
	return false, nil
}

func (r *MemoryRegistry) Connections(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.users[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRegistry) IsOnline(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0, nil
}
