package bitvora

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/provider"
	"github.com/v0l/payments-go/webhook"
)

func TestAddInvoice(t *testing.T) {
	var gotReq createInvoiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/bitcoin/deposit/lightning-invoice", r.URL.Path)
		require.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": 201,
			"data": createInvoiceResponse{
				ID:             "inv_1",
				RHash:          "abcd",
				PaymentRequest: "lnbc1...",
			},
		})
	}))
	defer srv.Close()

	n := NewNode(Config{APIKey: "tok_test", URL: srv.URL})
	inv, err := n.AddInvoice(context.Background(), provider.AddInvoiceRequest{
		Amount: currency.MustMillisats(100_500),
		Memo:   "coffee",
	})
	require.NoError(t, err)

	// Sub-satoshi precision is floored when talking to the API.
	assert.Equal(t, uint64(100), gotReq.Amount)
	assert.Equal(t, "sats", gotReq.Currency)
	assert.Equal(t, int64(3600), gotReq.ExpirySeconds)

	assert.Equal(t, BITVORA, inv.Provider)
	assert.Equal(t, "inv_1", inv.ExternalID)
	assert.Equal(t, "lnbc1...", inv.PaymentRequest)
	assert.Equal(t, engine.CREATED_I, inv.Status)
	require.NotNil(t, inv.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *inv.ExpiresAt, 5*time.Second)
}

func TestAddInvoice_RejectsFiat(t *testing.T) {
	n := NewNode(Config{APIKey: "tok_test"})
	usd, err := currency.FromMinorUnits(currency.USD, 2000)
	require.NoError(t, err)
	_, err = n.AddInvoice(context.Background(), provider.AddInvoiceRequest{Amount: usd})
	require.ErrorIs(t, err, payments.ErrInvalidAmount)
}

func TestAddInvoice_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  403,
			"message": "insufficient permissions",
			"data":    nil,
		})
	}))
	defer srv.Close()

	n := NewNode(Config{APIKey: "tok_test", URL: srv.URL})
	_, err := n.AddInvoice(context.Background(), provider.AddInvoiceRequest{
		Amount: currency.MustMillisats(100_000),
	})
	require.ErrorIs(t, err, payments.ErrProviderRejected)
}

func TestUnsupportedOperations(t *testing.T) {
	n := NewNode(Config{APIKey: "tok_test"})

	_, err := n.LookupInvoice(context.Background(), "abcd")
	require.ErrorIs(t, err, payments.ErrNotSupported)

	err = n.CancelInvoice(context.Background(), "abcd")
	require.ErrorIs(t, err, payments.ErrNotSupported)

	_, err = n.PayInvoice(context.Background(), provider.PayInvoiceRequest{PaymentRequest: "lnbc1..."})
	require.ErrorIs(t, err, payments.ErrNotSupported)
}

func TestVerifier(t *testing.T) {
	secret := []byte("wh_secret")
	body := `{"event":"deposit.lightning.completed","data":{"id":"dep_1","lightning_invoice_id":"inv_1","recipient":"lnbc1...","amount_sats":100}}`

	msg := webhook.Message{
		Endpoint:   "/webhook/bitvora",
		Body:       []byte(body),
		Header:     http.Header{},
		ReceivedAt: time.Now(),
	}
	msg.Header.Set("Bitvora-Signature", webhook.SignHex(secret, body))

	ev, err := Verifier{}.VerifyAndParse(msg, secret, webhook.ReplayWindow{MaxSkew: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, BITVORA, ev.Provider)
	assert.Equal(t, "inv_1", ev.ExternalID)
	assert.Equal(t, engine.SETTLED_I, ev.Status)
	require.NotNil(t, ev.Paid)
	assert.Equal(t, uint64(100_000), ev.Paid.MinorUnits())

	t.Run("Failed", func(t *testing.T) {
		failed := `{"event":"deposit.lightning.failed","data":{"id":"dep_1","lightning_invoice_id":"inv_1"}}`
		m := webhook.Message{Body: []byte(failed), Header: http.Header{}, ReceivedAt: time.Now()}
		m.Header.Set("Bitvora-Signature", webhook.SignHex(secret, failed))
		ev, err := Verifier{}.VerifyAndParse(m, secret, webhook.ReplayWindow{})
		require.NoError(t, err)
		assert.Equal(t, engine.FAILED_I, ev.Status)
	})

	t.Run("BadSignature", func(t *testing.T) {
		m := webhook.Message{Body: []byte(body), Header: http.Header{}, ReceivedAt: time.Now()}
		m.Header.Set("Bitvora-Signature", "deadbeef")
		_, err := Verifier{}.VerifyAndParse(m, secret, webhook.ReplayWindow{})
		require.ErrorIs(t, err, payments.ErrSignatureInvalid)
	})

	t.Run("MissingSignature", func(t *testing.T) {
		m := webhook.Message{Body: []byte(body), Header: http.Header{}, ReceivedAt: time.Now()}
		_, err := Verifier{}.VerifyAndParse(m, secret, webhook.ReplayWindow{})
		require.ErrorIs(t, err, payments.ErrSignatureInvalid)
	})
}

func TestSubscribeInvoiceUpdates(t *testing.T) {
	n := NewNode(Config{APIKey: "tok_test"})
	ctx, cancel := context.WithCancel(context.Background())

	updates, err := n.SubscribeInvoiceUpdates(ctx)
	require.NoError(t, err)

	want := &engine.Event{Provider: BITVORA, ExternalID: "inv_1", Status: engine.SETTLED_I}
	n.broadcast(provider.InvoiceUpdate{Event: want})

	select {
	case got := <-updates:
		assert.Equal(t, want, got.Event)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok, "channel must close on cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
