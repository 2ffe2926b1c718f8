// Package revolut adapts the Revolut Merchant API to the FiatPaymentService
// contract.
package revolut

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/provider"
)

const REVOLUT engine.Provider = "revolut"

const (
	defaultBaseURL    = "https://merchant.revolut.com"
	defaultAPIVersion = "2024-09-01"
)

type Config struct {
	APIKey string
	// URL overrides the API entrypoint, used by tests.
	URL string
	// APIVersion is sent as Revolut-Api-Version on every request.
	APIVersion    string
	WebhookSecret string
}

type Provider struct {
	cfg        Config
	httpClient *http.Client
	l          *zap.Logger
}

var _ provider.FiatPaymentService = (*Provider)(nil)

func NewProvider(cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		l:          zap.L().Named("revolut_provider"),
	}
}

type orderAmount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

type lineItemQuantity struct {
	Value int64 `json:"value"`
}

type lineItem struct {
	Name            string           `json:"name"`
	Type            string           `json:"type"`
	Quantity        lineItemQuantity `json:"quantity"`
	UnitPriceAmount int64            `json:"unit_price_amount"`
	TotalAmount     int64            `json:"total_amount"`
	Description     string           `json:"description,omitempty"`
	ImageURLs       []string         `json:"image_urls,omitempty"`
}

type createOrderRequest struct {
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Description string     `json:"description,omitempty"`
	LineItems   []lineItem `json:"line_items,omitempty"`
}

type order struct {
	ID                string       `json:"id"`
	State             string       `json:"state"`
	Amount            *orderAmount `json:"order_amount"`
	OutstandingAmount *orderAmount `json:"outstanding_amount"`
	CheckoutURL       string       `json:"checkout_url"`
}

func (p *Provider) CreateOrder(ctx context.Context, description string, amount currency.Amount, items []provider.LineItem) (*engine.Invoice, error) {
	if !amount.Currency().IsFiat() {
		return nil, errors.Wrap(payments.ErrInvalidAmount, "bitcoin amount not allowed for fiat payments")
	}

	req := createOrderRequest{
		Amount:      int64(amount.MinorUnits()),
		Currency:    amount.Currency().String(),
		Description: description,
	}
	for _, it := range items {
		req.LineItems = append(req.LineItems, lineItem{
			Name:            it.Name,
			Type:            "physical",
			Quantity:        lineItemQuantity{Value: int64(it.Quantity)},
			UnitPriceAmount: int64(it.UnitAmount),
			TotalAmount:     int64(it.UnitAmount * it.Quantity),
			Description:     it.Description,
			ImageURLs:       it.ImageURLs,
		})
	}

	var ord order
	if err := p.do(ctx, http.MethodPost, "/api/orders", &req, &ord); err != nil {
		p.l.Warn("create order failed",
			zap.String("description", description),
			zap.Error(err),
		)
		return nil, errors.WithMessage(err, "failed create order")
	}

	inv := engine.NewInvoice(REVOLUT, amount, description, ord.ID, nil)
	inv.PaymentRequest = ord.CheckoutURL
	return inv, nil
}

func (p *Provider) GetOrderStatus(ctx context.Context, id string) (engine.InvoiceStatus, error) {
	ev, err := p.OrderState(ctx, id)
	if err != nil {
		return "", err
	}
	return ev.Status, nil
}

// OrderState pulls the order and folds it into a lifecycle event, including
// the amount already collected. Order webhooks carry no amounts, so this is
// the reconciliation path for partial payments.
func (p *Provider) OrderState(ctx context.Context, id string) (*engine.Event, error) {
	var ord order
	if err := p.do(ctx, http.MethodGet, "/api/orders/"+id, nil, &ord); err != nil {
		return nil, errors.WithMessage(err, "failed get order")
	}
	status, paid := mapOrderState(ord)
	return &engine.Event{
		Provider:   REVOLUT,
		ExternalID: ord.ID,
		Status:     status,
		Paid:       paid,
		At:         time.Now(),
	}, nil
}

func (p *Provider) CancelOrder(ctx context.Context, id string) error {
	if err := p.do(ctx, http.MethodPost, "/api/orders/"+id+"/cancel", nil, nil); err != nil {
		return errors.WithMessage(err, "failed cancel order")
	}
	return nil
}

// mapOrderState translates an order into a lifecycle status plus the amount
// already collected, when the order reports an outstanding balance.
func mapOrderState(ord order) (engine.InvoiceStatus, *currency.Amount) {
	var paid *currency.Amount
	if ord.Amount != nil && ord.OutstandingAmount != nil &&
		ord.OutstandingAmount.Value < ord.Amount.Value {
		if cur, err := currency.Parse(ord.Amount.Currency); err == nil {
			if a, err := currency.FromMinorUnits(cur, ord.Amount.Value-ord.OutstandingAmount.Value); err == nil {
				paid = &a
			}
		}
	}

	switch ord.State {
	case "completed":
		return engine.SETTLED_I, paid
	case "cancelled", "failed":
		return engine.FAILED_I, paid
	case "pending", "processing", "authorised":
		if paid != nil {
			return engine.PARTIALLY_PAID_I, paid
		}
		return engine.PENDING_I, nil
	default:
		return engine.PENDING_I, paid
	}
}

// do performs one API call, round-tripping req and out through JSON and
// folding HTTP failures into the shared error taxonomy.
func (p *Provider) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed encode request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.URL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed build request")
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Revolut-Api-Version", p.cfg.APIVersion)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(payments.ErrProviderUnavailable, err.Error())
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return errors.Wrap(payments.ErrNotFound, path)
	case res.StatusCode >= 500:
		return errors.Wrapf(payments.ErrProviderUnavailable, "status %d", res.StatusCode)
	case res.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return errors.Wrapf(payments.ErrProviderRejected, "status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed decode response")
		}
	}
	return nil
}
