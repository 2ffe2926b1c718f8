package revolut

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
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/httputils"
	"github.com/v0l/payments-go/webhook"
)

const (
	signatureHeader = "Revolut-Signature"
	timestampHeader = "Revolut-Request-Timestamp"
)

type event struct {
	Event   string `json:"event"`
	OrderID string `json:"order_id"`
}

// Verifier checks the Revolut scheme: Revolut-Request-Timestamp carries unix
// milliseconds, Revolut-Signature carries one or more "v1=<hex>" HMAC-SHA256
// signatures over "v1.{timestamp}.{body}".
type Verifier struct{}

var _ webhook.Verifier = Verifier{}

func (Verifier) Provider() engine.Provider { return REVOLUT }

func (Verifier) VerifyAndParse(msg webhook.Message, secret []byte, window webhook.ReplayWindow) (*engine.Event, error) {
	rawTS := msg.Header.Get(timestampHeader)
	if rawTS == "" {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "missing "+timestampHeader)
	}
	ms, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "malformed timestamp")
	}
	ts := time.UnixMilli(ms)

	header := msg.Header.Get(signatureHeader)
	if header == "" {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "missing "+signatureHeader)
	}

	expected := webhook.SignHex(secret, "v1.", rawTS, ".", string(msg.Body))
	ok := false
	for _, part := range strings.Split(header, ",") {
		sig := strings.TrimSpace(part)
		sig = strings.TrimPrefix(sig, "v1=")
		if webhook.EqualHex(expected, sig) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "no matching v1 signature")
	}

	// The replay check runs only on authenticated requests so the response
	// never tells an unauthenticated caller whether the timestamp was stale.
	if err := window.Check(ts, msg.ReceivedAt); err != nil {
		return nil, err
	}

	var ev event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return nil, errors.Wrap(payments.ErrSchemaInvalid, "failed decode event")
	}
	if ev.OrderID == "" {
		return nil, errors.Wrap(payments.ErrSchemaInvalid, "event without order id")
	}

	var status engine.InvoiceStatus
	switch ev.Event {
	case "ORDER_COMPLETED":
		status = engine.SETTLED_I
	case "ORDER_AUTHORISED", "ORDER_PAYMENT_AUTHENTICATED":
		status = engine.PENDING_I
	case "ORDER_PAYMENT_DECLINED", "ORDER_PAYMENT_FAILED":
		// A declined attempt leaves the order payable.
		status = engine.PENDING_I
	case "ORDER_CANCELLED":
		status = engine.FAILED_I
	default:
		return nil, errors.Wrapf(payments.ErrSchemaInvalid, "unhandled event %q", ev.Event)
	}

	// Order events carry no amounts; callers pull the collected total
	// through Provider.OrderState when they need it.
	return &engine.Event{
		Provider:   REVOLUT,
		ExternalID: ev.OrderID,
		Status:     status,
		At:         ts,
	}, nil
}

// WebhookHandler returns an echo handler that verifies inbound order events
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
		ev, err := bridge.VerifyAndParse(REVOLUT, msg, []byte(p.cfg.WebhookSecret))
		if err != nil {
			p.l.Warn("rejected revolut webhook",
				zap.String("request_id", ri.RequestID),
				zap.String("real_ip", ri.RealIP),
				zap.Error(err),
			)
			return c.NoContent(http.StatusBadRequest)
		}
		if err := sink(ev); err != nil {
			p.l.Error("failed handle revolut event",
				zap.String("order_id", ev.ExternalID),
				zap.Error(err),
			)
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusOK)
	}
}
