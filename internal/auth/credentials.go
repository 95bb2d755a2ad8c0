package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	// AccessHeader carries a rotated access token back to HTTP clients.
	AccessHeader = "X-Access-Token"
	// RefreshHeader carries the refresh token on requests.
	RefreshHeader = "X-Refresh-Token"

	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

// FromRequest collects credentials from headers and cookies. With
// allowQuery, the token and refresh_token query parameters are also read;
// browsers cannot set headers on a WebSocket upgrade.
func FromRequest(r *http.Request, allowQuery bool) Credentials {
	var c Credentials

	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			c.Access = strings.TrimSpace(tok)
		}
	}
	c.Refresh = strings.TrimSpace(r.Header.Get(RefreshHeader))

	if c.Access == "" {
		if ck, err := r.Cookie(AccessCookie); err == nil {
			c.Access = ck.Value
		}
	}
	if c.Refresh == "" {
		if ck, err := r.Cookie(RefreshCookie); err == nil {
			c.Refresh = ck.Value
		}
	}

	if allowQuery {
		q := r.URL.Query()
		if c.Access == "" {
			c.Access = q.Get("token")
		}
		if c.Refresh == "" {
			c.Refresh = q.Get("refresh_token")
		}
	}
	return c
}

// SetRotated hands a freshly minted access token back to an HTTP client.
func SetRotated(w http.ResponseWriter, access string, ttl time.Duration) {
	w.Header().Set(AccessHeader, access)
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookie,
		Value:    access,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// AccessTTL exposes the configured access lifetime for cookie handling.
func (g *Gate) AccessTTL() time.Duration { return g.cfg.AccessTTL }
