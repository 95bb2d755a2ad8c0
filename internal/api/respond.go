package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/chat"
	"github.com/skillswap/chat-app/internal/ratelimit"
)

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto an HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case auth.IsAuthError(err):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: auth.Code(err)})
	case errors.Is(err, chat.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation_failed"})
	case errors.Is(err, chat.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error(), Code: "forbidden"})
	case errors.Is(err, chat.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	default:
		log.Printf("api: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
	}
}

// setRateHeaders reports the caller's budget for rule in the current window.
func (a *API) setRateHeaders(w http.ResponseWriter, r *http.Request, userID string, rule ratelimit.Rule) {
	left, err := a.limiter.Remaining(r.Context(), userID, rule)
	if err != nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
}

func writeRateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      "rate limit exceeded",
		Code:       "rate_limited",
		RetryAfter: retryAfter,
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "validation_failed"})
}

// decodeJSON reads a bounded JSON body into v.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}
