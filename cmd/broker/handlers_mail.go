package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/mail"
)

// handleMailInbox serves spec §6's "GET /api/mail/inbox?limit=&cursor=&label=&unread=".
func handleMailInbox(svc *Services) http.HandlerFunc {
	return requireDID(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
			return
		}
		q := mail.InboxQuery{
			OwnerDID: callerDID(r),
			Cursor:   r.URL.Query().Get("cursor"),
			Label:    r.URL.Query().Get("label"),
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil {
				api.WriteBadRequest(w, "invalid limit")
				return
			}
			q.Limit = n
		}
		if unread := r.URL.Query().Get("unread"); unread != "" {
			b, err := strconv.ParseBool(unread)
			if err != nil {
				api.WriteBadRequest(w, "invalid unread")
				return
			}
			q.UnreadOnly = b
		}

		page, err := svc.mail.Inbox(r.Context(), q)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	})
}

// handleMailThread serves "GET /api/mail/threads/{conversation_id}".
func handleMailThread(svc *Services) http.HandlerFunc {
	return requireDID(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
			return
		}
		conversationID := r.PathValue("conversation_id")
		thread, messages, err := svc.mail.Thread(r.Context(), conversationID)
		if err != nil {
			if errors.Is(err, mail.ErrThreadNotFound) {
				api.WriteError(w, http.StatusNotFound, "NOT_FOUND", "thread not found")
				return
			}
			api.WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"thread": thread, "messages": messages})
	})
}

type markReadRequest struct {
	MessageID string `json:"message_id"`
	Read      *bool  `json:"read,omitempty"`
}

// handleMailRead serves "POST /api/mail/read {message_id, read?}".
func handleMailRead(svc *Services) http.HandlerFunc {
	return requireDID(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
			return
		}
		var req markReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		read := true
		if req.Read != nil {
			read = *req.Read
		}
		if err := svc.mail.MarkRead(r.Context(), callerDID(r), req.MessageID, read); err != nil {
			if errors.Is(err, mail.ErrMessageNotFound) {
				api.WriteError(w, http.StatusNotFound, "NOT_FOUND", "message not found")
				return
			}
			api.WriteInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

type labelRequest struct {
	MessageID string   `json:"message_id"`
	Add       []string `json:"add"`
	Remove    []string `json:"remove"`
}

// handleMailLabel serves "POST /api/mail/label {message_id, add[], remove[]}".
func handleMailLabel(svc *Services) http.HandlerFunc {
	return requireDID(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
			return
		}
		var req labelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		if err := svc.mail.Label(r.Context(), callerDID(r), req.MessageID, req.Add, req.Remove); err != nil {
			if errors.Is(err, mail.ErrMessageNotFound) {
				api.WriteError(w, http.StatusNotFound, "NOT_FOUND", "message not found")
				return
			}
			api.WriteInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}
