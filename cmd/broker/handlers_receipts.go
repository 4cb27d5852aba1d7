package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/receipt"
)

// handleReceiptGet serves spec §6 "GET /api/receipts/:task_id".
func handleReceiptGet(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		rec, err := svc.receipt.GetReceipt(r.Context(), r.PathValue("task_id"))
		if err != nil {
			writeReceiptError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	}
}

// handleReceiptCommittee serves "GET /api/receipts/:task_id/committee".
func handleReceiptCommittee(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		rec, err := svc.receipt.GetReceipt(r.Context(), r.PathValue("task_id"))
		if err != nil {
			writeReceiptError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"committee": rec.Committee, "quorum_k": rec.QuorumK, "committee_m": rec.CommitteeM,
		})
	}
}

type attestationRequest struct {
	Type        receipt.AttestationType `json:"type"`
	Score       float64                 `json:"score"`
	Confidence  float64                 `json:"confidence"`
	EvidenceRef string                  `json:"evidence_ref,omitempty"`
	Signature   string                  `json:"signature,omitempty"`
}

// handleReceiptAttest serves "POST /api/receipts/:task_id/attestations".
// The attestor DID is taken from X-Agent-DID rather than the body, so a
// caller cannot attest on another agent's behalf.
func handleReceiptAttest(svc *Services) http.HandlerFunc {
	return requireDID(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		var req attestationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		att, err := svc.receipt.SubmitAttestation(r.Context(), receipt.SubmitAttestationInput{
			TaskID: r.PathValue("task_id"), Attestor: callerDID(r), Type: req.Type,
			Score: req.Score, Confidence: req.Confidence, Evidence: req.EvidenceRef, Signature: req.Signature,
		})
		if err != nil {
			writeReceiptError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(att)
	})
}

// handleReceiptFinalize serves "POST /api/receipts/:task_id/finalize".
func handleReceiptFinalize(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		rec, err := svc.receipt.Finalize(r.Context(), r.PathValue("task_id"))
		if err != nil {
			writeReceiptError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	}
}

func writeReceiptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, receipt.ErrReceiptNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, receipt.ErrUnauthorizedAttestor):
		api.WriteForbidden(w, err.Error())
	case errors.Is(err, receipt.ErrDuplicateAttestation):
		api.WriteConflict(w, err.Error())
	case errors.Is(err, receipt.ErrAlreadyTerminal):
		api.WriteConflict(w, err.Error())
	default:
		api.WriteInternal(w, err)
	}
}
