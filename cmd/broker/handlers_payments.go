package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ainp-broker/broker/pkg/api"
	"github.com/ainp-broker/broker/pkg/payments"
)

type createPaymentRequest struct {
	AmountAtomic     int64            `json:"amount_atomic"`
	Method           payments.Method  `json:"method"`
	Currency         string           `json:"currency,omitempty"`
	Description      string           `json:"description,omitempty"`
	ExpiresInSeconds int64            `json:"expires_in_seconds,omitempty"`
}

// handlePaymentsCreate serves spec §6 "POST /api/payments/requests".
func handlePaymentsCreate(svc *Services) http.HandlerFunc {
	return requireDID(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		var req createPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		request, err := svc.payments.Create(r.Context(), payments.CreateRequestInput{
			OwnerDID: callerDID(r), AmountAtomic: req.AmountAtomic, Currency: req.Currency,
			Method: req.Method, Description: req.Description, ExpiresInSeconds: req.ExpiresInSeconds,
		})
		if err != nil {
			writePaymentsError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(request)
	})
}

// handlePaymentsGet serves "GET /api/payments/requests/:id".
func handlePaymentsGet(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		request, err := svc.payments.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writePaymentsError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(request)
	}
}

type paymentWebhookRequest struct {
	RequestID    string `json:"request_id"`
	Provider     string `json:"provider"`
	TxReference  string `json:"tx_reference"`
	AmountAtomic int64  `json:"amount_atomic"`
	SignatureHex string `json:"signature_hex"`
}

// handlePaymentsWebhook serves a provider settlement callback (spec §6
// "provider webhooks create payment receipts and call ledger deposit").
// Webhook authenticity is out of scope (spec §9), so the handler here
// trusts whatever provider-specific verification sits in front of it and
// only checks the broker-side HMAC when a signing secret is configured.
func handlePaymentsWebhook(svc *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			api.WriteBadRequest(w, "could not read request body")
			return
		}
		var req paymentWebhookRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			api.WriteBadRequest(w, "invalid JSON body")
			return
		}
		if secret := svc.cfg.PaymentsWebhookSecret; secret != "" {
			if !payments.VerifyWebhookHMAC([]byte(secret), raw, req.SignatureHex) {
				api.WriteUnauthorized(w, "invalid webhook signature")
				return
			}
		}

		request, err := svc.payments.ConfirmWebhook(r.Context(), payments.ConfirmWebhookInput{
			RequestID: req.RequestID, Provider: req.Provider, TxReference: req.TxReference,
			AmountAtomic: req.AmountAtomic, RawPayload: raw,
		})
		if err != nil {
			writePaymentsError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(request)
	}
}

func writePaymentsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrRequestNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, payments.ErrAmountNotPositive):
		api.WriteBadRequest(w, err.Error())
	case errors.Is(err, payments.ErrAlreadyTerminal):
		api.WriteConflict(w, err.Error())
	case errors.Is(err, payments.ErrWebhookUnverified):
		api.WriteUnauthorized(w, err.Error())
	default:
		api.WriteInternal(w, err)
	}
}
