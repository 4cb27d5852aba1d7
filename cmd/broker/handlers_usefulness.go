package main

import (
	"encoding/json"
	"net/http"

	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/usefulness"
)

type submitProofRequest struct {
	AgentDID     string             `json:"agent_did"`
	WorkType     usefulness.WorkType `json:"work_type"`
	Metrics      map[string]float64  `json:"metrics"`
	Attestations []string            `json:"attestations,omitempty"`
	TraceID      string              `json:"trace_id,omitempty"`
	TimestampMS  int64               `json:"timestamp_ms"`
}

// handleUsefulnessProofs serves spec §6 "POST /api/usefulness/proofs".
func handleUsefulnessProofs(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		var req submitProofRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		proof, err := svc.usefulness.SubmitProof(r.Context(), usefulness.SubmitProofInput{
			AgentDID: req.AgentDID, WorkType: req.WorkType, Metrics: req.Metrics,
			Attestations: req.Attestations, TraceID: req.TraceID,
			Timestamp: msToTime(req.TimestampMS),
		})
		if err != nil {
			api.WriteBadRequest(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(proof)
	}
}

// handleUsefulnessAggregate serves spec §6 "POST /api/usefulness/aggregate"
// (admin trigger), gated by the JWT admin middleware in routes.go.
func handleUsefulnessAggregate(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		if err := svc.usefulAgg.RunOnce(r.Context()); err != nil {
			api.WriteInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// handleUsefulnessAgent serves "GET /api/usefulness/agents/:did".
func handleUsefulnessAgent(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		cache, err := svc.discovery.Usefulness(r.Context(), r.PathValue("did"))
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cache)
	}
}
