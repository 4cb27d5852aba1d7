package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyWebhookHMAC(t *testing.T) {
	secret := []byte("shh")
	payload := []byte(`{"amount":100}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyWebhookHMAC(secret, payload, sig))
	assert.False(t, VerifyWebhookHMAC(secret, payload, "deadbeef"))
	assert.False(t, VerifyWebhookHMAC([]byte("wrong"), payload, sig))
}

func TestService_Create_RejectsNonPositiveAmount(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, slog.Default())
	_, err := svc.Create(context.Background(), CreateRequestInput{OwnerDID: "did:key:zA", AmountAtomic: 0, Method: MethodCredits})
	assert.ErrorIs(t, err, ErrAmountNotPositive)
}

func TestService_Create_DefaultsCurrencyAndExpiry(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, slog.Default())
	r, err := svc.Create(context.Background(), CreateRequestInput{OwnerDID: "did:key:zA", AmountAtomic: 500, Method: MethodCredits})
	require.NoError(t, err)
	assert.Equal(t, "USD", r.Currency)
	assert.Equal(t, StatusCreated, r.Status)
	assert.True(t, r.ExpiresAt.After(r.CreatedAt))
}

func TestService_ConfirmWebhook_TransitionsToPaid(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, slog.Default())
	r, err := svc.Create(context.Background(), CreateRequestInput{OwnerDID: "did:key:zA", AmountAtomic: 500, Method: MethodCredits})
	require.NoError(t, err)

	confirmed, err := svc.ConfirmWebhook(context.Background(), ConfirmWebhookInput{
		RequestID: r.ID, Provider: "coinbase", TxReference: "tx-123", AmountAtomic: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, confirmed.Status)
	assert.Equal(t, "tx-123", confirmed.ProviderRef)

	receipts, err := store.ListReceipts(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "tx-123", receipts[0].TxReference)
}

func TestService_ConfirmWebhook_RejectsAlreadyTerminal(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, slog.Default())
	r, err := svc.Create(context.Background(), CreateRequestInput{OwnerDID: "did:key:zA", AmountAtomic: 500, Method: MethodCredits})
	require.NoError(t, err)

	_, err = svc.ConfirmWebhook(context.Background(), ConfirmWebhookInput{RequestID: r.ID, Provider: "coinbase", TxReference: "tx-1", AmountAtomic: 500})
	require.NoError(t, err)

	_, err = svc.ConfirmWebhook(context.Background(), ConfirmWebhookInput{RequestID: r.ID, Provider: "coinbase", TxReference: "tx-2", AmountAtomic: 500})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}
