package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skillswap/chat-app/internal/chat"
	"github.com/skillswap/chat-app/internal/ratelimit"
)

type sendRequest struct {
	Message string `json:"message"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type broadcastRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	Connections   int     `json:"connections"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if a.realtime != nil {
		resp.Connections = a.realtime.ConnectionCount()
		resp.UptimeSeconds = a.realtime.Uptime().Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	if a.limiter != nil {
		ok, _ := a.limiter.Allow(r.Context(), userID, ratelimit.RuleMessage)
		a.setRateHeaders(w, r, userID, ratelimit.RuleMessage)
		if !ok {
			writeRateLimited(w, ratelimit.RuleMessage.RetryAfter())
			return
		}
	}

	var req sendRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	msg, err := a.chat.Send(r.Context(), userID, chi.URLParam(r, "recipientId"), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	views, err := a.chat.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	q := r.URL.Query()
	page, ok := intParam(w, q.Get("page"), "page")
	if !ok {
		return
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}

	result, err := a.chat.ListMessages(r.Context(), chi.URLParam(r, "conversationId"), userID, chat.Page{
		Page:  page,
		Limit: limit,
		Sort:  q.Get("sort"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req statusRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	msg, err := a.chat.UpdateStatus(r.Context(), chi.URLParam(r, "messageId"), req.Status, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) searchUsers(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	users, err := a.chat.SearchPeers(r.Context(), r.URL.Query().Get("query"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	if err := a.gate.Revoke(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// broadcast pushes an arbitrary event to every connected user. The payload
// must be a JSON object so the event type can be injected beside it.
func (a *API) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	req.Event = strings.TrimSpace(req.Event)
	if req.Event == "" {
		badRequest(w, "event is required")
		return
	}

	var payload any = map[string]any{}
	if raw := bytes.TrimSpace(req.Payload); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' {
			badRequest(w, "payload must be a JSON object")
			return
		}
		payload = json.RawMessage(raw)
	}

	if err := a.broadcaster.BroadcastToAll(r.Context(), req.Event, payload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(w, "invalid "+name)
		return 0, false
	}
	return n, true
}
