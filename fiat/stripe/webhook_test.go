package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/httputils"
	"github.com/v0l/payments-go/webhook"
)

var testSecret = []byte("whsec_test")

func signedMessage(t *testing.T, body string, ts time.Time) webhook.Message {
	t.Helper()
	sig := webhook.SignHex(testSecret, fmt.Sprintf("%d", ts.Unix()), ".", body)
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts.Unix(), sig))
	return webhook.Message{
		Endpoint:   "/webhook/stripe",
		Body:       []byte(body),
		Header:     h,
		ReceivedAt: ts,
	}
}

func TestVerifier_Settled(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":2000,"amount_received":2000,"currency":"usd","status":"succeeded"}}}`

	ev, err := Verifier{}.VerifyAndParse(signedMessage(t, body, now), testSecret, webhook.ReplayWindow{MaxSkew: 5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, STRIPE, ev.Provider)
	assert.Equal(t, "pi_1", ev.ExternalID)
	assert.Equal(t, engine.SETTLED_I, ev.Status)
	require.NotNil(t, ev.Paid)
	assert.Equal(t, currency.USD, ev.Paid.Currency())
	assert.Equal(t, uint64(2000), ev.Paid.MinorUnits())
}

func TestVerifier_EventMapping(t *testing.T) {
	now := time.Now()
	tests := []struct {
		eventType string
		want      engine.InvoiceStatus
	}{
		{"payment_intent.processing", engine.PENDING_I},
		{"payment_intent.payment_failed", engine.PENDING_I},
		{"payment_intent.canceled", engine.FAILED_I},
		{"checkout.session.completed", engine.SETTLED_I},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			body := fmt.Sprintf(`{"id":"evt_1","type":"%s","data":{"object":{"id":"pi_1","currency":"usd"}}}`, tt.eventType)
			ev, err := Verifier{}.VerifyAndParse(signedMessage(t, body, now), testSecret, webhook.ReplayWindow{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Status)
		})
	}
}

func TestVerifier_Rejections(t *testing.T) {
	now := time.Now()
	body := `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","currency":"usd"}}}`
	window := webhook.ReplayWindow{MaxSkew: 5 * time.Minute}

	t.Run("MissingHeader", func(t *testing.T) {
		msg := signedMessage(t, body, now)
		msg.Header.Del("Stripe-Signature")
		_, err := Verifier{}.VerifyAndParse(msg, testSecret, window)
		require.ErrorIs(t, err, payments.ErrSignatureInvalid)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		msg := signedMessage(t, body, now)
		_, err := Verifier{}.VerifyAndParse(msg, []byte("whsec_other"), window)
		require.ErrorIs(t, err, payments.ErrSignatureInvalid)
	})

	t.Run("TamperedBody", func(t *testing.T) {
		msg := signedMessage(t, body, now)
		msg.Body = []byte(`{"id":"evt_2"}`)
		_, err := Verifier{}.VerifyAndParse(msg, testSecret, window)
		require.ErrorIs(t, err, payments.ErrSignatureInvalid)
	})

	t.Run("StaleTimestamp", func(t *testing.T) {
		msg := signedMessage(t, body, now.Add(-time.Hour))
		msg.ReceivedAt = now
		_, err := Verifier{}.VerifyAndParse(msg, testSecret, window)
		require.ErrorIs(t, err, payments.ErrStale)
	})

	t.Run("StaleWithWrongSecret", func(t *testing.T) {
		// An unauthenticated request must not learn that the timestamp
		// fell outside the replay window.
		msg := signedMessage(t, body, now.Add(-time.Hour))
		msg.ReceivedAt = now
		_, err := Verifier{}.VerifyAndParse(msg, []byte("whsec_other"), window)
		require.ErrorIs(t, err, payments.ErrSignatureInvalid)
		require.NotErrorIs(t, err, payments.ErrStale)
	})

	t.Run("UnhandledEventType", func(t *testing.T) {
		msg := signedMessage(t, `{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1"}}}`, now)
		_, err := Verifier{}.VerifyAndParse(msg, testSecret, window)
		require.ErrorIs(t, err, payments.ErrSchemaInvalid)
	})

	t.Run("GarbageBody", func(t *testing.T) {
		msg := signedMessage(t, "not json", now)
		_, err := Verifier{}.VerifyAndParse(msg, testSecret, window)
		require.ErrorIs(t, err, payments.ErrSchemaInvalid)
	})
}

func TestWebhookHandler(t *testing.T) {
	p := NewProvider(Config{APIKey: "sk_test", WebhookSecret: string(testSecret)})
	bridge := webhook.NewBridge(webhook.ReplayWindow{MaxSkew: 5 * time.Minute})
	bridge.Register(Verifier{})

	var got *engine.Event
	h := p.WebhookHandler(bridge, func(ev *engine.Event) error {
		got = ev
		return nil
	})

	body := `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount_received":2000,"currency":"usd"}}}`
	e := echo.New()

	t.Run("Accepted", func(t *testing.T) {
		got = nil
		msg := signedMessage(t, body, time.Now())
		req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(body))
		req.Header = msg.Header
		req.Header.Set("X-Request-Id", "req-42")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, h(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "pi_1", got.ExternalID)

		ri := httputils.GetRequestInfo(c.Request().Context())
		assert.Equal(t, "req-42", ri.RequestID)
		assert.NotEmpty(t, ri.RealIP)
	})

	t.Run("BadSignature", func(t *testing.T) {
		got = nil
		req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(body))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, h(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Nil(t, got)
	})
}

func TestMapIntentStatus(t *testing.T) {
	tests := []struct {
		in   stripego.PaymentIntentStatus
		want engine.InvoiceStatus
	}{
		{stripego.PaymentIntentStatusSucceeded, engine.SETTLED_I},
		{stripego.PaymentIntentStatusCanceled, engine.FAILED_I},
		{stripego.PaymentIntentStatusProcessing, engine.PENDING_I},
		{stripego.PaymentIntentStatusRequiresPaymentMethod, engine.PENDING_I},
		{stripego.PaymentIntentStatusRequiresAction, engine.PENDING_I},
	}
	for _, tt := range tests {
		if got := MapIntentStatus(tt.in); got != tt.want {
			t.Errorf("MapIntentStatus(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCreateOrder_RejectsBTC(t *testing.T) {
	p := NewProvider(Config{APIKey: "sk_test"})
	_, err := p.CreateOrder(context.Background(), "order", currency.MustMillisats(1000), nil)
	require.ErrorIs(t, err, payments.ErrInvalidAmount)
}
