package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ainp-broker/broker/pkg/antiabuse"
	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/envelope"
)

// intentSendResponse is the wire shape of a successful ingress (spec §6
// "Intent ingress": `200 {status, agent_count}`).
type intentSendResponse struct {
	Status     string `json:"status"`
	AgentCount int    `json:"agent_count"`
	Degraded   bool   `json:"degraded,omitempty"`
}

func handleIntentSend(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
			return
		}

		var env envelope.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			api.WriteBadRequest(w, "invalid envelope JSON")
			return
		}

		result, err := ingestEnvelope(r.Context(), svc, env)
		if err != nil {
			writePipelineError(w, env, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(intentSendResponse{
			Status: result.Status, AgentCount: result.AgentCount, Degraded: result.Degraded,
		})
	}
}

// writePipelineError maps a pipeline error to its spec §7 response,
// attaching the 402 payment-required challenge headers and the 425
// Retry-After header the spec calls out specifically.
func writePipelineError(w http.ResponseWriter, env envelope.Envelope, err error) {
	status, code := classifyPipelineError(err)

	if status == 402 {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`AINP-Pay realm="ainp", request_id=%q, method="credits"`, env.ID))
		w.Header().Set("Link", `</api/payments/requests>; rel="payment"`)
	}
	if status == 425 || status == 429 {
		if d, ok := antiabuse.RetryAfter(err); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", d.Seconds()))
		}
	}
	api.WriteError(w, status, code, err.Error())
}
