package stripe

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/httputils"
	"github.com/v0l/payments-go/webhook"
)

const signatureHeader = "Stripe-Signature"

// event is the envelope Stripe posts to webhook endpoints, reduced to the
// fields the lifecycle needs.
type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string `json:"id"`
			Amount         int64  `json:"amount"`
			AmountReceived int64  `json:"amount_received"`
			Currency       string `json:"currency"`
			Status         string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

// Verifier checks the Stripe-Signature scheme: the header carries a unix
// timestamp (t=...) and one or more v1 HMAC-SHA256 hex signatures over
// "{t}.{body}".
type Verifier struct{}

var _ webhook.Verifier = Verifier{}

func (Verifier) Provider() engine.Provider { return STRIPE }

func (Verifier) VerifyAndParse(msg webhook.Message, secret []byte, window webhook.ReplayWindow) (*engine.Event, error) {
	header := msg.Header.Get(signatureHeader)
	if header == "" {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "missing "+signatureHeader)
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return nil, errors.Wrap(payments.ErrSignatureInvalid, "malformed timestamp")
			}
			ts = v
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "incomplete "+signatureHeader)
	}

	expected := webhook.SignHex(secret, strconv.FormatInt(ts, 10), ".", string(msg.Body))
	ok := false
	for _, s := range sigs {
		if webhook.EqualHex(expected, s) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "no matching v1 signature")
	}

	// The replay check runs only on authenticated requests so the response
	// never tells an unauthenticated caller whether the timestamp was stale.
	if err := window.Check(time.Unix(ts, 0), msg.ReceivedAt); err != nil {
		return nil, err
	}

	var ev event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return nil, errors.Wrap(payments.ErrSchemaInvalid, "failed decode event")
	}
	if ev.Data.Object.ID == "" {
		return nil, errors.Wrap(payments.ErrSchemaInvalid, "event without object id")
	}

	var status engine.InvoiceStatus
	switch ev.Type {
	case "payment_intent.succeeded", "checkout.session.completed":
		status = engine.SETTLED_I
	case "payment_intent.processing", "payment_intent.created", "payment_intent.payment_failed":
		// A failed attempt does not kill the intent, the customer can retry.
		status = engine.PENDING_I
	case "payment_intent.canceled":
		status = engine.FAILED_I
	default:
		return nil, errors.Wrapf(payments.ErrSchemaInvalid, "unhandled event type %q", ev.Type)
	}

	out := &engine.Event{
		Provider:   STRIPE,
		ExternalID: ev.Data.Object.ID,
		Status:     status,
		At:         time.Unix(ts, 0),
	}
	if ev.Data.Object.AmountReceived > 0 {
		cur, err := currency.Parse(ev.Data.Object.Currency)
		if err != nil {
			return nil, errors.Wrap(payments.ErrSchemaInvalid, "unknown currency")
		}
		paid, err := currency.FromMinorUnits(cur, ev.Data.Object.AmountReceived)
		if err != nil {
			return nil, errors.Wrap(payments.ErrSchemaInvalid, "bad amount_received")
		}
		out.Paid = &paid
	}
	return out, nil
}

// WebhookHandler returns an echo handler that verifies inbound Stripe events
// through the bridge and hands accepted ones to sink.
func (p *Provider) WebhookHandler(bridge *webhook.Bridge, sink func(*engine.Event) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, ri := httputils.SetRequestInfo(c.Request(), "")
		c.SetRequest(c.Request().WithContext(ctx))

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		msg := webhook.FromRequest(c.Request(), body)
		ev, err := bridge.VerifyAndParse(STRIPE, msg, []byte(p.cfg.WebhookSecret))
		if err != nil {
			p.l.Warn("rejected stripe webhook",
				zap.String("request_id", ri.RequestID),
				zap.String("real_ip", ri.RealIP),
				zap.Error(err),
			)
			return c.NoContent(http.StatusBadRequest)
		}
		if err := sink(ev); err != nil {
			p.l.Error("failed handle stripe event",
				zap.String("external_id", ev.ExternalID),
				zap.Error(err),
			)
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusOK)
	}
}
