// Package presence tracks which live connections belong to which user.
// A user is online exactly when their connection set is non-empty.
//
// Register and Unregister report offline/online transitions as part of the
// same atomic step that mutates the set, so concurrent connects for one user
// produce exactly one online transition and the last disconnect produces
// exactly one offline transition.
package presence

import "context"

// Registry is the shared, mutation-safe view of live connections.
type Registry interface {
	// Register adds connID to the user's set and reports whether the user
	// went from offline to online.
	Register(ctx context.Context, userID, connID string) (bool, error)

	// Unregister removes connID and reports whether the user went from
	// online to offline. Removing an unknown connID never reports a transition.
	Unregister(ctx context.Context, userID, connID string) (bool, error)

	// Connections lists the user's live connection ids.
	Connections(ctx context.Context, userID string) ([]string, error)

	// IsOnline reports whether the user has at least one live connection.
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Reaped is a connection the sweeper dropped because its lease expired.
type Reaped struct {
	UserID      string
	ConnID      string
	WentOffline bool
}

// Lease names a connection whose owner is still alive.
type Lease struct {
	UserID string
	ConnID string
}
