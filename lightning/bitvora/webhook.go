package bitvora

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/httputils"
	"github.com/v0l/payments-go/provider"
	"github.com/v0l/payments-go/webhook"
)

const signatureHeader = "Bitvora-Signature"

type event struct {
	Event string `json:"event"`
	Data  struct {
		ID                 string `json:"id"`
		LightningInvoiceID string `json:"lightning_invoice_id"`
		Recipient          string `json:"recipient"`
		AmountSats         int64  `json:"amount_sats"`
	} `json:"data"`
}

// Verifier checks the Bitvora scheme: a single HMAC-SHA256 hex digest of the
// raw body in the bitvora-signature header. The scheme carries no timestamp,
// so the replay window does not apply.
type Verifier struct{}

var _ webhook.Verifier = Verifier{}

func (Verifier) Provider() engine.Provider { return BITVORA }

func (Verifier) VerifyAndParse(msg webhook.Message, secret []byte, _ webhook.ReplayWindow) (*engine.Event, error) {
	sig := msg.Header.Get(signatureHeader)
	if sig == "" {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "missing "+signatureHeader)
	}
	expected := webhook.SignHex(secret, string(msg.Body))
	if !webhook.EqualHex(expected, sig) {
		return nil, errors.Wrap(payments.ErrSignatureInvalid, "digest mismatch")
	}

	var ev event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return nil, errors.Wrap(payments.ErrSchemaInvalid, "failed decode event")
	}
	if ev.Data.LightningInvoiceID == "" {
		return nil, errors.Wrap(payments.ErrSchemaInvalid, "event without invoice id")
	}

	var status engine.InvoiceStatus
	switch ev.Event {
	case "deposit.lightning.completed":
		status = engine.SETTLED_I
	case "deposit.lightning.failed":
		status = engine.FAILED_I
	default:
		return nil, errors.Wrapf(payments.ErrSchemaInvalid, "unhandled event %q", ev.Event)
	}

	out := &engine.Event{
		Provider:   BITVORA,
		ExternalID: ev.Data.LightningInvoiceID,
		Status:     status,
		At:         msg.ReceivedAt,
	}
	if ev.Data.AmountSats > 0 {
		if paid, err := currency.Millisats(ev.Data.AmountSats * 1000); err == nil {
			out.Paid = &paid
		}
	}
	return out, nil
}

// WebhookHandler returns an echo handler that verifies inbound deposit events
// through the bridge and fans accepted ones out to subscribers.
func (n *Node) WebhookHandler(bridge *webhook.Bridge) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, ri := httputils.SetRequestInfo(c.Request(), "")
		c.SetRequest(c.Request().WithContext(ctx))

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		msg := webhook.FromRequest(c.Request(), body)
		ev, err := bridge.VerifyAndParse(BITVORA, msg, []byte(n.cfg.WebhookSecret))
		if err != nil {
			n.l.Warn("rejected bitvora webhook",
				zap.String("request_id", ri.RequestID),
				zap.String("real_ip", ri.RealIP),
				zap.Error(err),
			)
			return c.NoContent(http.StatusBadRequest)
		}
		n.broadcast(provider.InvoiceUpdate{Event: ev})
		return c.NoContent(http.StatusOK)
	}
}
