package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsIdempotencyKey(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		var body transferRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mu.Lock()
		seen[key]++
		n := seen[key]
		mu.Unlock()

		switch {
		case body.Amount > 1000:
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"code":"insufficient_funds"}`))
		case n > 1:
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	client := NewClient(srv.URL+"/", "secret", srv.Client())
	user := uuid.New()

	require.NoError(t, client.Debit(ctx, "bet:r1:u1:req1", user, 50))
	require.NoError(t, client.Debit(ctx, "bet:r1:u1:req1", user, 50), "replayed key is treated as applied")
	assert.Equal(t, 2, seen["bet:r1:u1:req1"])

	err := client.Debit(ctx, "bet:r1:u1:req2", user, 5000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.ErrorIs(t, client.Credit(ctx, "payout:r1:u1", user, 0), ErrInvalidAmount)
}

func TestClientMapsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/credits" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "", srv.Client())
	err := client.Credit(context.Background(), "payout:r1:u1", uuid.New(), 10)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	err = client.Debit(context.Background(), "bet:r1:u1:x", uuid.New(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(100)
	user := uuid.New()

	require.NoError(t, ledger.Debit(ctx, "bet:1", user, 60))
	require.NoError(t, ledger.Debit(ctx, "bet:1", user, 60))
	assert.Equal(t, int64(40), ledger.Balance(user))

	assert.ErrorIs(t, ledger.Debit(ctx, "bet:2", user, 60), ErrInsufficientFunds)

	require.NoError(t, ledger.Credit(ctx, "payout:1", user, 120))
	require.NoError(t, ledger.Credit(ctx, "payout:1", user, 120))
	assert.Equal(t, int64(160), ledger.Balance(user))
}
