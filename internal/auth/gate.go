// Package auth admits connections and requests. It validates the short-lived
// access credential and, when that has expired, transparently rotates it
// using the long-lived refresh credential stored in the user's session.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skillswap/chat-app/internal/metrics"
	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/store"
)

// Credentials are the raw tokens a client presented.
type Credentials struct {
	Access  string
	Refresh string
}

// Principal is an admitted user. RotatedAccess is set when the gate minted
// a new access token that the client must adopt.
type Principal struct {
	UserID        string
	RotatedAccess string
}

// UserLookup resolves user ids. Missing users return store.ErrNotFound.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// SessionStore persists the single credential pair per user.
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (*model.Session, error)
	SaveSession(ctx context.Context, s *model.Session) error
	DeleteSession(ctx context.Context, userID string) error
}

// Gate is the admission gate.
type Gate struct {
	cfg      Config
	users    UserLookup
	sessions SessionStore
	revoked  RevocationList
	locks    keyedMutex
	now      func() time.Time
}

// NewGate builds a gate. revoked may be nil when logout revocation is not
// needed.
func NewGate(cfg Config, users UserLookup, sessions SessionStore, revoked RevocationList) (*Gate, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Gate{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		revoked:  revoked,
		locks:    keyedMutex{entries: make(map[string]*lockEntry)},
		now:      time.Now,
	}, nil
}

// Admit validates c and resolves the user.
func (g *Gate) Admit(ctx context.Context, c Credentials) (Principal, error) {
	p, err := g.admit(ctx, c)
	switch {
	case err != nil:
		metrics.Admissions.WithLabelValues(Code(err)).Inc()
	case p.RotatedAccess != "":
		metrics.Admissions.WithLabelValues("rotated").Inc()
	default:
		metrics.Admissions.WithLabelValues("ok").Inc()
	}
	return p, err
}

func (g *Gate) admit(ctx context.Context, c Credentials) (Principal, error) {
	if c.Access == "" {
		return Principal{}, ErrMissingCredential
	}

	now := g.now()
	cl, err := parse(c.Access, g.cfg.AccessSecret, g.cfg.Issuer, now, true)
	if err == nil {
		if err := g.checkRevoked(ctx, cl); err != nil {
			return Principal{}, err
		}
		if err := g.userExists(ctx, cl.Subject); err != nil {
			return Principal{}, err
		}
		return Principal{UserID: cl.Subject}, nil
	}
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return Principal{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	// Signature and issuer are already verified; only expiry failed.
	expired, err := parse(c.Access, g.cfg.AccessSecret, g.cfg.Issuer, now, false)
	if err != nil || expired.Issuer != g.cfg.Issuer {
		return Principal{}, ErrMalformedCredential
	}
	if c.Refresh == "" {
		return Principal{}, ErrExpiredCredential
	}
	return g.rotate(ctx, expired.Subject, c.Refresh)
}

// rotate mints a new access token for userID. Concurrent rotations for one
// user run one at a time; the last one to finish owns the session.
func (g *Gate) rotate(ctx context.Context, userID, refresh string) (Principal, error) {
	unlock := g.locks.lock(userID)
	defer unlock()

	now := g.now()
	sess, err := g.sessions.GetSession(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, ErrInvalidRefresh
	}
	if err != nil {
		return Principal{}, fmt.Errorf("auth: load session: %w", err)
	}

	rc, err := parse(refresh, g.cfg.RefreshSecret, g.cfg.Issuer, now, true)
	if err != nil || rc.Subject != userID {
		return Principal{}, ErrInvalidRefresh
	}
	if subtle.ConstantTimeCompare([]byte(sess.RefreshToken), []byte(refresh)) != 1 {
		return Principal{}, ErrInvalidRefresh
	}
	if sess.Expired(now) {
		return Principal{}, ErrInvalidRefresh
	}
	if err := g.userExists(ctx, userID); err != nil {
		return Principal{}, err
	}

	access, err := sign(g.cfg.AccessSecret, g.cfg.Issuer, userID, now, g.cfg.AccessTTL)
	if err != nil {
		return Principal{}, err
	}
	sess.AccessToken = access
	sess.UpdatedAt = now
	if err := g.sessions.SaveSession(ctx, sess); err != nil {
		return Principal{}, fmt.Errorf("auth: save session: %w", err)
	}

	log.Printf("auth: rotated access credential for user=%s", userID)
	return Principal{UserID: userID, RotatedAccess: access}, nil
}

// Issue mints a fresh credential pair for userID and replaces any existing
// session, so the previous refresh token stops working.
func (g *Gate) Issue(ctx context.Context, userID string) (*model.Session, error) {
	if err := g.userExists(ctx, userID); err != nil {
		return nil, err
	}

	unlock := g.locks.lock(userID)
	defer unlock()

	now := g.now()
	access, err := sign(g.cfg.AccessSecret, g.cfg.Issuer, userID, now, g.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := sign(g.cfg.RefreshSecret, g.cfg.Issuer, userID, now, g.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}

	sess := &model.Session{
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(g.cfg.RefreshTTL),
		UpdatedAt:    now,
	}
	if err := g.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("auth: save session: %w", err)
	}
	return sess, nil
}

// Revoke ends the user's session and stops outstanding access tokens.
func (g *Gate) Revoke(ctx context.Context, userID string) error {
	unlock := g.locks.lock(userID)
	defer unlock()

	if err := g.sessions.DeleteSession(ctx, userID); err != nil {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	if g.revoked != nil {
		if err := g.revoked.Revoke(ctx, userID, g.now()); err != nil {
			return err
		}
	}
	log.Printf("auth: revoked credentials for user=%s", userID)
	return nil
}

func (g *Gate) checkRevoked(ctx context.Context, cl *claims) error {
	if g.revoked == nil || cl.IssuedAt == nil {
		return nil
	}
	at, ok, err := g.revoked.RevokedAt(ctx, cl.Subject)
	if err != nil {
		// Fail open: a revocation-store outage should not lock everyone out.
		log.Printf("auth: revocation lookup for user=%s failed: %v (failing open)", cl.Subject, err)
		return nil
	}
	if ok && !cl.IssuedAt.Time.After(at) {
		return ErrRevokedCredential
	}
	return nil
}

func (g *Gate) userExists(ctx context.Context, userID string) error {
	_, err := g.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("auth: lookup user: %w", err)
	}
	return nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
