// Package bitvora adapts the Bitvora custodial API to the LightningNode
// contract. Bitvora pushes invoice updates over webhooks only, so the update
// stream is fed by the webhook handler rather than a provider-side
// subscription.
package bitvora

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/provider"
)

const BITVORA engine.Provider = "bitvora"

const defaultBaseURL = "https://api.bitvora.com"

type Config struct {
	APIKey string
	// URL overrides the API entrypoint, used by tests.
	URL           string
	WebhookSecret string
}

type Node struct {
	cfg        Config
	httpClient *http.Client
	l          *zap.Logger

	mu   sync.Mutex
	subs map[chan provider.InvoiceUpdate]struct{}
}

var _ provider.LightningNode = (*Node)(nil)

func NewNode(cfg Config) *Node {
	if cfg.URL == "" {
		cfg.URL = defaultBaseURL
	}
	return &Node{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		l:          zap.L().Named("bitvora_node"),
		subs:       make(map[chan provider.InvoiceUpdate]struct{}),
	}
}

type createInvoiceRequest struct {
	Amount        uint64 `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	ExpirySeconds int64  `json:"expiry_seconds"`
}

type createInvoiceResponse struct {
	ID             string `json:"id"`
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

// response is the envelope every Bitvora endpoint wraps its payload in.
type response struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (n *Node) AddInvoice(ctx context.Context, req provider.AddInvoiceRequest) (*engine.Invoice, error) {
	if req.Amount.Currency() != currency.BTC {
		return nil, errors.Wrap(payments.ErrInvalidAmount, "lightning invoices are denominated in BTC")
	}
	if req.ExpirySeconds < 0 {
		return nil, errors.Wrapf(payments.ErrExpiryOutOfRange, "expiry %d", req.ExpirySeconds)
	}
	expiry := req.ExpirySeconds
	if expiry == 0 {
		expiry = 3600
	}

	// The API takes whole satoshis, sub-sat precision is floored away.
	body := createInvoiceRequest{
		Amount:        req.Amount.MinorUnits() / 1000,
		Currency:      "sats",
		Description:   req.Memo,
		ExpirySeconds: expiry,
	}
	var data createInvoiceResponse
	if err := n.do(ctx, http.MethodPost, "/v1/bitcoin/deposit/lightning-invoice", &body, &data); err != nil {
		n.l.Warn("create invoice failed", zap.Error(err))
		return nil, errors.WithMessage(err, "failed create invoice")
	}

	expiresAt := time.Now().Add(time.Duration(expiry) * time.Second)
	inv := engine.NewInvoice(BITVORA, req.Amount, req.Memo, data.ID, &expiresAt)
	inv.PaymentRequest = data.PaymentRequest
	return inv, nil
}

func (n *Node) LookupInvoice(ctx context.Context, paymentHash string) (engine.InvoiceStatus, error) {
	return "", errors.Wrap(payments.ErrNotSupported, "bitvora exposes no invoice lookup")
}

func (n *Node) CancelInvoice(ctx context.Context, paymentHash string) error {
	return errors.Wrap(payments.ErrNotSupported, "bitvora exposes no invoice cancel")
}

func (n *Node) PayInvoice(ctx context.Context, req provider.PayInvoiceRequest) (*provider.PayInvoiceResponse, error) {
	return nil, errors.Wrap(payments.ErrNotSupported, "bitvora exposes no outbound payments")
}

// SubscribeInvoiceUpdates registers a subscriber on the webhook fan-out.
// Cancelling ctx removes the subscription and closes the channel.
func (n *Node) SubscribeInvoiceUpdates(ctx context.Context) (<-chan provider.InvoiceUpdate, error) {
	ch := make(chan provider.InvoiceUpdate, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (n *Node) broadcast(u provider.InvoiceUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- u:
		default:
			// Slow subscriber, drop rather than block the webhook path.
		}
	}
}

func (n *Node) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed encode request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, n.cfg.URL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed build request")
	}
	req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := n.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(payments.ErrNodeUnavailable, err.Error())
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return errors.Wrapf(payments.ErrNodeUnavailable, "status %d", res.StatusCode)
	}

	var env response
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return errors.Wrap(err, "failed decode response")
	}
	if env.Status >= 400 || res.StatusCode >= 400 {
		return errors.Wrapf(payments.ErrProviderRejected, "status %d: %s", env.Status, strings.TrimSpace(env.Message))
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrap(err, "failed decode response data")
		}
	}
	return nil
}
