// Package provider defines the capability contracts every concrete payment
// adapter must satisfy. Adapters are peers behind these interfaces; callers
// never branch on provider identity.
package provider

import (
	"context"

	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
)

// FiatPaymentService is implemented by card/fiat processors.
//
// Every method honors the deadline on ctx: on expiry it fails with an
// ErrProviderUnavailable-class error rather than hang, and no partial state
// is left behind: a cancelled CreateOrder either fully did not happen or is
// fully recorded as created.
type FiatPaymentService interface {
	// CreateOrder registers a payment order with the provider and returns it
	// in the created state.
	CreateOrder(ctx context.Context, description string, amount currency.Amount, items []LineItem) (*engine.Invoice, error)

	// GetOrderStatus pulls the lifecycle status as last known by the
	// provider, keyed by the provider-native reference.
	GetOrderStatus(ctx context.Context, id string) (engine.InvoiceStatus, error)

	// CancelOrder asks the provider to cancel an open order.
	CancelOrder(ctx context.Context, id string) error
}

// LightningNode is implemented by Lightning Network backends, whether a node
// the caller operates or a custodial API.
type LightningNode interface {
	// AddInvoice creates an invoice and returns it in the created state,
	// carrying the BOLT11 payment request and payment hash.
	AddInvoice(ctx context.Context, req AddInvoiceRequest) (*engine.Invoice, error)

	// LookupInvoice returns the current status for a payment hash.
	LookupInvoice(ctx context.Context, paymentHash string) (engine.InvoiceStatus, error)

	// CancelInvoice cancels an open invoice by payment hash.
	CancelInvoice(ctx context.Context, paymentHash string) error

	// PayInvoice pays an externally issued BOLT11 invoice and blocks until
	// the payment reaches a terminal outcome or the timeout elapses.
	PayInvoice(ctx context.Context, req PayInvoiceRequest) (*PayInvoiceResponse, error)

	// SubscribeInvoiceUpdates opens the node's push stream of invoice state
	// changes. The sequence is lazy, potentially infinite and not
	// restartable; cancelling ctx is the only way to stop it and closes the
	// returned channel along with the underlying connection.
	SubscribeInvoiceUpdates(ctx context.Context) (<-chan InvoiceUpdate, error)
}

// AddInvoiceRequest describes a lightning invoice to create.
type AddInvoiceRequest struct {
	// Amount to request; must be in the BTC unit (millisatoshis).
	Amount currency.Amount
	Memo   string
	// ExpirySeconds, 0 means the node default (3600).
	ExpirySeconds int64
}

// PayInvoiceRequest describes an outbound lightning payment.
type PayInvoiceRequest struct {
	// PaymentRequest is the BOLT11 invoice to pay.
	PaymentRequest string
	// TimeoutSeconds bounds the payment attempt, 0 means 60.
	TimeoutSeconds int32
}

// PayInvoiceResponse reports a succeeded outbound payment.
type PayInvoiceResponse struct {
	// PaymentHash as a hex string.
	PaymentHash string
	// Preimage is the hex proof of payment.
	Preimage string
	// Amount paid, in the BTC unit (millisatoshis).
	Amount currency.Amount
	// Fee is the routing fee paid on top of Amount.
	Fee currency.Amount
}

// InvoiceUpdate is one element of a node's push stream: either a normalized
// lifecycle event or a stream error.
type InvoiceUpdate struct {
	Event *engine.Event
	Err   error
}

// LineItem is an optional detailed breakdown entry for a fiat order. Amounts
// are in the order currency's smallest unit.
type LineItem struct {
	Name        string
	Description string
	UnitAmount  uint64
	Quantity    uint64
	Currency    currency.Currency
	ImageURLs   []string
	TaxAmount   uint64
	TaxName     string
}

// SubtotalAmount is the line total before tax.
func (li LineItem) SubtotalAmount() uint64 {
	return li.UnitAmount * li.Quantity
}

// TotalAmount is the line total including tax.
func (li LineItem) TotalAmount() uint64 {
	return li.SubtotalAmount() + li.TaxAmount
}
