package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/metrics"
)

type userKey struct{}

// UserID returns the admitted user stored on the request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// requireAuth admits the request through the gate. A rotated access token
// is handed back on the response before the handler runs.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.gate.Admit(r.Context(), auth.FromRequest(r, false))
		if err != nil {
			writeError(w, err)
			return
		}
		if principal.RotatedAccess != "" {
			auth.SetRotated(w, principal.RotatedAccess, a.gate.AccessTTL())
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), principal.UserID)))
	})
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserID(r.Context())
		if !a.admins[userID] {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin only", Code: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records request latency by route pattern. Upgraded connections
// are skipped since their handler returns only after the hijack.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			if r.Header.Get("Upgrade") != "" {
				return
			}
			status = http.StatusOK
		}

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		if status >= http.StatusInternalServerError {
			log.Printf("api: %s %s -> %d (%s) req=%s", r.Method, route, status, elapsed.Round(time.Millisecond), chimw.GetReqID(r.Context()))
		}
	})
}
