package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/negotiation"
)

type negotiationCreateRequest struct {
	IntentID         string         `json:"intent_id"`
	InitiatorDID     string         `json:"initiator_did"`
	ResponderDID     string         `json:"responder_did"`
	InitialProposal  map[string]any `json:"initial_proposal"`
	MaxRounds        int            `json:"max_rounds,omitempty"`
	TTLMinutes       int            `json:"ttl_minutes,omitempty"`
}

// handleNegotiationCreate serves spec §6 "POST /api/negotiations".
func handleNegotiationCreate(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		var req negotiationCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		var ttl time.Duration
		if req.TTLMinutes > 0 {
			ttl = time.Duration(req.TTLMinutes) * time.Minute
		}
		sess, err := svc.negotiation.Initiate(r.Context(), req.IntentID, req.InitiatorDID, req.ResponderDID, req.InitialProposal, req.MaxRounds, ttl)
		if err != nil {
			writeNegotiationError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sess)
	}
}

type negotiationActionRequest struct {
	ActorDID          string         `json:"actor_did"`
	Terms             map[string]any `json:"terms,omitempty"`
	UsefulnessProofID string         `json:"usefulness_proof_id,omitempty"`
}

// handleNegotiationAction serves spec §6's "POST
// /api/negotiations/:id/{propose|accept|reject|settle}" group.
func handleNegotiationAction(svc *Services, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		id := r.PathValue("id")
		var req negotiationActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}

		var sess negotiation.Session
		var err error
		switch action {
		case "propose":
			sess, err = svc.negotiation.Propose(r.Context(), id, req.ActorDID, req.Terms)
		case "accept":
			sess, err = svc.negotiation.Accept(r.Context(), id, req.ActorDID)
		case "reject":
			sess, err = svc.negotiation.Reject(r.Context(), id, req.ActorDID)
		case "settle":
			sess, err = svc.negotiation.Settle(r.Context(), id, req.ActorDID, req.UsefulnessProofID)
		}
		if err != nil {
			writeNegotiationError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess)
	}
}

// handleNegotiationGet serves "GET /api/negotiations/:id".
func handleNegotiationGet(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		sess, err := svc.negotiation.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeNegotiationError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess)
	}
}

// handleNegotiationList serves "GET /api/negotiations?agent_did=…&state=…".
func handleNegotiationList(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		agentDID := r.URL.Query().Get("agent_did")
		state := negotiation.State(r.URL.Query().Get("state"))
		sessions, err := svc.negotiation.ListByAgent(r.Context(), agentDID, state)
		if err != nil {
			writeNegotiationError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
	}
}

// writeNegotiationError maps the negotiation package's sentinel errors to
// spec §6's status codes: "200/201 ok; 404 not found; 400 invalid
// transition; 409 max rounds; 410 expired."
func writeNegotiationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, negotiation.ErrNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, negotiation.ErrExpired):
		api.WriteError(w, http.StatusGone, "EXPIRED", err.Error())
	case errors.Is(err, negotiation.ErrMaxRounds):
		api.WriteConflict(w, err.Error())
	case errors.Is(err, negotiation.ErrInvalidStateTransition),
		errors.Is(err, negotiation.ErrNotAParticipant),
		errors.Is(err, negotiation.ErrSamePartyTwice),
		errors.Is(err, negotiation.ErrInitiatorEqualsResponder):
		api.WriteBadRequest(w, err.Error())
	case errors.Is(err, negotiation.ErrInsufficientBalance):
		api.WriteError(w, http.StatusPaymentRequired, "PAYMENT_REQUIRED", err.Error())
	default:
		api.WriteInternal(w, err)
	}
}
