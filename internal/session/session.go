// Package session keeps credential sessions in Redis and owns the shared
// Redis client setup used by the chat processes.
package session
