package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ainp-broker/broker/pkg/credit"
	"github.com/google/uuid"
)

// Service implements payment request creation and webhook confirmation
// (spec §6 "Payments").
type Service struct {
	store  Store
	ledger credit.Ledger
	clock  func() time.Time
	log    *slog.Logger
}

func NewService(store Store, ledger credit.Ledger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, ledger: ledger, clock: time.Now, log: log}
}

type CreateRequestInput struct {
	OwnerDID         string
	AmountAtomic     int64
	Currency         string
	Method           Method
	Description      string
	ExpiresInSeconds int64
}

// Create records a new payment request (spec §6 "POST
// /api/payments/requests").
func (s *Service) Create(ctx context.Context, in CreateRequestInput) (Request, error) {
	if in.AmountAtomic <= 0 {
		return Request{}, ErrAmountNotPositive
	}
	now := s.clock()
	ttl := time.Duration(in.ExpiresInSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}

	r := Request{
		ID: uuid.NewString(), OwnerDID: in.OwnerDID, AmountAtomic: in.AmountAtomic, Currency: currency,
		Method: in.Method, Status: StatusCreated, Description: in.Description, Metadata: map[string]string{},
		ExpiresAt: now.Add(ttl), CreatedAt: now, UpdatedAt: now,
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return Request{}, fmt.Errorf("payments: create request: %w", err)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.store.GetRequest(ctx, id)
}

// VerifyWebhookHMAC checks a provider webhook payload against its
// claimed HMAC-SHA256 signature (hex-encoded) using the per-provider
// shared secret. Payment webhook authenticity is out of scope for the
// core per spec §9 ("each provider's webhook must be verified via
// provider-specific HMAC, which the core treats as a prerequisite to
// calling deposit") — this is the one concrete check core provides; a
// framing layer wiring a real provider may need additional
// provider-specific steps (timestamp tolerance, replay nonce) on top.
func VerifyWebhookHMAC(secret, payload []byte, signatureHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)
	return hmac.Equal(sig, expected)
}

type ConfirmWebhookInput struct {
	RequestID    string
	Provider     string
	TxReference  string
	AmountAtomic int64
	RawPayload   []byte
}

// ConfirmWebhook records a settlement receipt and deposits the confirmed
// amount into the owner's ledger account (spec §6 "provider webhooks
// create payment receipts and call ledger deposit"). Verifying the
// webhook's authenticity (VerifyWebhookHMAC or provider-specific
// equivalent) is the caller's responsibility before invoking this.
func (s *Service) ConfirmWebhook(ctx context.Context, in ConfirmWebhookInput) (Request, error) {
	now := s.clock()

	r, err := s.store.Mutate(ctx, in.RequestID, func(r *Request) error {
		if r.Status.terminal() {
			return ErrAlreadyTerminal
		}
		r.Status = StatusPaid
		r.ProviderRef = in.TxReference
		return nil
	})
	if err != nil {
		return Request{}, err
	}

	rcpt := Receipt{
		ID: uuid.NewString(), RequestID: in.RequestID, Provider: in.Provider, TxReference: in.TxReference,
		AmountAtomic: in.AmountAtomic, ConfirmedAt: now, RawPayload: in.RawPayload,
	}
	if err := s.store.AddReceipt(ctx, rcpt); err != nil {
		return Request{}, fmt.Errorf("payments: record receipt: %w", err)
	}

	if s.ledger != nil {
		if _, err := s.ledger.Deposit(ctx, r.OwnerDID, in.AmountAtomic, "payment:"+r.ID); err != nil {
			return Request{}, fmt.Errorf("payments: deposit to ledger: %w", err)
		}
	}
	return r, nil
}

// ExpireOverdue transitions created/pending requests past their
// ExpiresAt to StatusExpired; intended to run on the same kind of
// periodic sweep as pkg/negotiation.Service.SweepExpired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	expiring, err := s.store.ListExpiring(ctx, s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("payments: list expiring: %w", err)
	}

	n := 0
	for _, req := range expiring {
		_, err := s.store.Mutate(ctx, req.ID, func(r *Request) error {
			if r.Status.terminal() {
				return ErrAlreadyTerminal
			}
			r.Status = StatusExpired
			return nil
		})
		if err != nil && err != ErrAlreadyTerminal {
			s.log.Error("payments: expire request", "request_id", req.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
