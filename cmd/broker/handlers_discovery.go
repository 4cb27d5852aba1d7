package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/discovery"
	"github.com/ainp-broker/broker/pkg/envelope"
)

// AdvertisePayload is the wire form of an ADVERTISE envelope's payload
// (spec §4.3 "Register"): an agent announcing itself and its
// capabilities, decoded into a discovery.RegisterRequest.
type AdvertisePayload struct {
	PublicKeyHex string                        `json:"public_key_hex"`
	Capabilities []discovery.CapabilityInput   `json:"capabilities"`
	TTLSeconds   int64                         `json:"ttl_seconds,omitempty"`
}

func handleDiscoverySearch(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
			return
		}
		var q discovery.SearchQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			api.WriteBadRequest(w, "invalid search query JSON")
			return
		}
		matches, err := svc.discovery.Search(r.Context(), q)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"matches": matches})
	}
}

// handleDiscoveryEnvelope accepts an ADVERTISE or DISCOVER envelope (spec
// §6 "POST /api/discovery/envelope"). ADVERTISE registers the sender
// directly against the discovery service; DISCOVER runs the full ingress
// pipeline so it gets anti-abuse coverage and its DISCOVER_RESULT
// publication (routing.Service.routeDiscover).
func handleDiscoveryEnvelope(svc *Services) http.HandlerFunc {
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

		switch env.MsgType {
		case envelope.MsgAdvertise:
			handleAdvertise(r.Context(), svc, w, env)
		case envelope.MsgDiscover:
			result, err := ingestEnvelope(r.Context(), svc, env)
			if err != nil {
				writePipelineError(w, env, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(intentSendResponse{
				Status: result.Status, AgentCount: result.AgentCount, Degraded: result.Degraded,
			})
		default:
			api.WriteBadRequest(w, "discovery/envelope requires msg_type ADVERTISE or DISCOVER")
		}
	}
}

func handleAdvertise(ctx context.Context, svc *Services, w http.ResponseWriter, env envelope.Envelope) {
	if err := env.ValidateShape(time.Now().UTC(), allowedSkew); err != nil {
		writePipelineError(w, env, err)
		return
	}
	sentinel := ""
	if !svc.cfg.SignatureVerificationEnabled {
		sentinel = svc.cfg.TestBypassSentinel
	}
	if err := env.VerifySignature(sentinel); err != nil {
		writePipelineError(w, env, err)
		return
	}

	var payload AdvertisePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		api.WriteBadRequest(w, "invalid advertise payload")
		return
	}
	pubKey, err := hex.DecodeString(payload.PublicKeyHex)
	if err != nil {
		api.WriteBadRequest(w, "invalid public_key_hex")
		return
	}

	req := discovery.RegisterRequest{
		AgentDID:     env.FromDID,
		PublicKey:    pubKey,
		Capabilities: payload.Capabilities,
	}
	if payload.TTLSeconds > 0 {
		req.TTL = time.Duration(payload.TTLSeconds) * time.Second
	}

	if _, err := svc.discovery.Register(ctx, req); err != nil {
		api.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(intentSendResponse{Status: "routed", AgentCount: 1})
}
