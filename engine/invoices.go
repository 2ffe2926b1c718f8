package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/v0l/payments-go/currency"
)

// Provider identifies the payment system an invoice belongs to. Concrete
// adapters declare their own constant.
type Provider string

func (p Provider) Match(in Provider) bool {
	return p == in
}

type InvoiceStatus string

func (s InvoiceStatus) Match(in InvoiceStatus) bool {
	return s == in
}

// Terminal reports whether no further transitions may leave s.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case SETTLED_I, EXPIRED_I, FAILED_I:
		return true
	}
	return false
}

const (
	CREATED_I        InvoiceStatus = "created"
	PENDING_I        InvoiceStatus = "pending"
	PARTIALLY_PAID_I InvoiceStatus = "partially_paid"
	SETTLED_I        InvoiceStatus = "settled"
	EXPIRED_I        InvoiceStatus = "expired"
	FAILED_I         InvoiceStatus = "failed"
)

// Invoice is the lifecycle entity shared by fiat orders and lightning
// invoices. The requested Amount never changes after creation; Paid
// accumulates the highest provider-confirmed payment. All mutation goes
// through Processor.Apply; concurrent direct writes are disallowed by
// contract.
type Invoice struct {
	ID       string
	Provider Provider

	// ExternalID is the provider-native reference used to correlate
	// notifications back to this invoice.
	ExternalID string

	Amount currency.Amount
	Paid   currency.Amount
	Memo   string

	// PaymentRequest carries the BOLT11 invoice for lightning providers,
	// empty otherwise.
	PaymentRequest string

	Status  InvoiceStatus
	Version int64

	CreatedAt time.Time
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// NewInvoice builds an Invoice in the created state with version 1.
func NewInvoice(p Provider, amount currency.Amount, memo, externalID string, expiresAt *time.Time) *Invoice {
	now := time.Now().UTC()
	paid, _ := currency.FromMinorUnits(amount.Currency(), 0)
	return &Invoice{
		ID:         uuid.NewString(),
		Provider:   p,
		ExternalID: externalID,
		Amount:     amount,
		Paid:       paid,
		Memo:       memo,
		Status:     CREATED_I,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  expiresAt,
	}
}

// Expired reports whether the invoice carries an expiry that has elapsed.
func (i *Invoice) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}
