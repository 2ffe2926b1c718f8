// Package stripe adapts the Stripe API to the FiatPaymentService contract.
// Orders map to PaymentIntents, or to Checkout Sessions when line items are
// supplied.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	stripego "github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/client"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/provider"
)

const STRIPE engine.Provider = "stripe"

type Config struct {
	APIKey string
	// URL overrides the API entrypoint, used by tests. Empty means the real
	// Stripe backend.
	URL string
	// WebhookSecret signs inbound events (whsec_...).
	WebhookSecret string
	// SuccessURL and CancelURL are required by Stripe for checkout sessions.
	SuccessURL string
	CancelURL  string
}

type Provider struct {
	api *client.API
	cfg Config
	l   *zap.Logger
}

var _ provider.FiatPaymentService = (*Provider)(nil)

// NewProvider builds a Stripe adapter. Credentials are passed explicitly, no
// package-global key is set, so independent instances can point at different
// accounts or a test backend.
func NewProvider(cfg Config) *Provider {
	var backends *stripego.Backends
	if cfg.URL != "" {
		backends = &stripego.Backends{
			API: stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
				URL:        cfg.URL,
				HTTPClient: &http.Client{Timeout: 30 * time.Second},
			}),
		}
	}
	return &Provider{
		api: client.New(cfg.APIKey, backends),
		cfg: cfg,
		l:   zap.L().Named("stripe_provider"),
	}
}

func (p *Provider) CreateOrder(ctx context.Context, description string, amount currency.Amount, items []provider.LineItem) (*engine.Invoice, error) {
	if !amount.Currency().IsFiat() {
		return nil, errors.Wrap(payments.ErrInvalidAmount, "bitcoin amount not allowed for fiat payments")
	}

	var extID string
	if len(items) > 0 {
		sess, err := p.createCheckoutSession(ctx, description, items)
		if err != nil {
			return nil, err
		}
		extID = sess.ID
	} else {
		pi, err := p.api.PaymentIntents.New(&stripego.PaymentIntentParams{
			Params:      stripego.Params{Context: ctx},
			Amount:      stripego.Int64(int64(amount.MinorUnits())),
			Currency:    stripego.String(strings.ToLower(amount.Currency().String())),
			Description: stripego.String(description),
			PaymentMethodTypes: []*string{
				stripego.String("card"),
			},
		})
		if err != nil {
			p.l.Warn("payment intent failed",
				zap.String("description", description),
				zap.Error(err),
			)
			return nil, classify(err, "failed create payment intent")
		}
		extID = pi.ID
	}

	return engine.NewInvoice(STRIPE, amount, description, extID, nil), nil
}

func (p *Provider) createCheckoutSession(ctx context.Context, description string, items []provider.LineItem) (*stripego.CheckoutSession, error) {
	lineItems := make([]*stripego.CheckoutSessionLineItemParams, 0, len(items))
	for _, it := range items {
		li := &stripego.CheckoutSessionLineItemParams{
			Name:        stripego.String(it.Name),
			Amount:      stripego.Int64(int64(it.UnitAmount)),
			Currency:    stripego.String(strings.ToLower(it.Currency.String())),
			Quantity:    stripego.Int64(int64(it.Quantity)),
			Description: stripego.String(it.Description),
		}
		if len(it.ImageURLs) > 0 {
			li.Images = stripego.StringSlice(it.ImageURLs)
		}
		lineItems = append(lineItems, li)
	}
	sess, err := p.api.CheckoutSessions.New(&stripego.CheckoutSessionParams{
		Params:             stripego.Params{Context: ctx},
		Mode:               stripego.String("payment"),
		LineItems:          lineItems,
		SuccessURL:         stripego.String(p.cfg.SuccessURL),
		CancelURL:          stripego.String(p.cfg.CancelURL),
		ClientReferenceID:  stripego.String(description),
		PaymentMethodTypes: []*string{stripego.String("card")},
	})
	if err != nil {
		p.l.Warn("checkout session failed",
			zap.String("description", description),
			zap.Error(err),
		)
		return nil, classify(err, "failed create checkout session")
	}
	return sess, nil
}

func (p *Provider) GetOrderStatus(ctx context.Context, id string) (engine.InvoiceStatus, error) {
	piID := id
	if strings.HasPrefix(id, "cs_") {
		sess, err := p.api.CheckoutSessions.Get(id, &stripego.CheckoutSessionParams{
			Params: stripego.Params{Context: ctx},
		})
		if err != nil {
			return "", classify(err, "failed get checkout session")
		}
		if sess.PaymentIntent == nil {
			// No payment attempt yet.
			return engine.PENDING_I, nil
		}
		piID = sess.PaymentIntent.ID
	}

	pi, err := p.api.PaymentIntents.Get(piID, &stripego.PaymentIntentParams{
		Params: stripego.Params{Context: ctx},
	})
	if err != nil {
		return "", classify(err, "failed get payment intent")
	}
	return MapIntentStatus(pi.Status), nil
}

func (p *Provider) CancelOrder(ctx context.Context, id string) error {
	if strings.HasPrefix(id, "cs_") {
		// The checkout session expire endpoint postdates this API surface;
		// sessions expire on their own.
		return errors.Wrap(payments.ErrNotSupported, "checkout sessions cannot be cancelled")
	}
	_, err := p.api.PaymentIntents.Cancel(id, &stripego.PaymentIntentCancelParams{
		Params: stripego.Params{Context: ctx},
	})
	if err != nil {
		return classify(err, "failed cancel payment intent")
	}
	return nil
}

// MapIntentStatus translates a PaymentIntent status into the shared
// lifecycle vocabulary. Everything that still awaits money is pending.
func MapIntentStatus(s stripego.PaymentIntentStatus) engine.InvoiceStatus {
	switch s {
	case stripego.PaymentIntentStatusSucceeded:
		return engine.SETTLED_I
	case stripego.PaymentIntentStatusCanceled:
		return engine.FAILED_I
	default:
		return engine.PENDING_I
	}
}

// classify folds a stripe-go error into the shared taxonomy.
func classify(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrap(payments.ErrProviderUnavailable, msg)
	}
	if se, ok := err.(*stripego.Error); ok {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return errors.Wrap(payments.ErrNotFound, msg)
		case se.Type == stripego.ErrorTypeCard || se.Type == stripego.ErrorTypeInvalidRequest:
			return errors.Wrapf(payments.ErrProviderRejected, "%s: %s", msg, se.Msg)
		default:
			return errors.Wrapf(payments.ErrProviderUnavailable, "%s: %s", msg, se.Msg)
		}
	}
	return errors.Wrapf(payments.ErrProviderUnavailable, "%s: %v", msg, err)
}
