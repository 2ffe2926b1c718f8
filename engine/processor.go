package engine

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
)

// Event is a normalized lifecycle notification, regardless of whether it
// arrived by webhook push, node stream, or a polling pull. Paid is the
// provider-observed cumulative paid amount, nil if the notification asserts
// none.
type Event struct {
	Provider   Provider
	ExternalID string
	Status     InvoiceStatus
	Paid       *currency.Amount

	// At is the provider-asserted timestamp, zero when the notification
	// carries none.
	At time.Time
}

// Transition is the domain event emitted for every accepted state change.
// The host persists these; the core keeps nothing.
type Transition struct {
	InvoiceID  string
	Provider   Provider
	ExternalID string
	From       InvoiceStatus
	To         InvoiceStatus
	Paid       currency.Amount
	Seq        int64
	At         time.Time
}

// Processor applies normalized events to invoices. It is the single point of
// truth for lifecycle mutation: expiry precedes event application, terminal
// statuses are sticky, redelivered notifications collapse to logged no-op
// conflicts, and the observed paid amount never regresses.
//
// Apply itself is pure apart from logging and holds no locks; the host must
// serialize calls per invoice (e.g. a mutex keyed by provider-native
// reference), which worker.Worker does for stream-fed invoices.
type Processor struct {
	l *zap.Logger
}

func NewProcessor() *Processor {
	return &Processor{
		l: zap.L().Named("lifecycle_processor"),
	}
}

// Apply evaluates ev against inv at the given clock reading. It returns the
// emitted transition, or (nil, nil) when the event is a duplicate, stale, or
// otherwise conflicts with an already-reached state. Errors are reserved for
// malformed events; redelivery is never an error.
func (p *Processor) Apply(inv *Invoice, ev Event, now time.Time) (*Transition, error) {
	if ev.Paid != nil && ev.Paid.Currency() != inv.Amount.Currency() {
		return nil, errors.Wrapf(payments.ErrUnitMismatch,
			"event paid in %s against invoice in %s", ev.Paid.Currency(), inv.Amount.Currency())
	}

	// Expiry precedes any event application. The only notification that can
	// beat an elapsed expiry is proof the provider confirmed full payment.
	if !inv.Status.Terminal() && inv.Expired(now) && !coversFullAmount(inv, ev) {
		tr := p.accept(inv, EXPIRED_I, nil, now)
		if ev.Status != EXPIRED_I {
			p.l.Info("discarded event for expired invoice",
				zap.String("invoice_id", inv.ID),
				zap.String("external_id", inv.ExternalID),
				zap.String("event_status", string(ev.Status)),
			)
		}
		return tr, nil
	}

	paidIncreases := ev.Paid != nil && ev.Paid.MinorUnits() > inv.Paid.MinorUnits()

	// Stale replay: a lower observed paid amount than one already applied.
	if ev.Paid != nil && ev.Paid.MinorUnits() < inv.Paid.MinorUnits() {
		p.conflict(inv, ev, "paid amount lower than recorded")
		return nil, nil
	}

	if inv.Status.Terminal() {
		if paidIncreases {
			// Late notification asserting a higher amount; the status stays
			// put but the paid attribute must not understate settlement.
			return p.accept(inv, inv.Status, ev.Paid, now), nil
		}
		p.conflict(inv, ev, "invoice already terminal")
		return nil, nil
	}

	target := ev.Status
	if target == SETTLED_I && ev.Paid != nil && ev.Paid.MinorUnits() < inv.Amount.MinorUnits() {
		// A settlement claim below the requested amount is recorded as a
		// partial payment; a later event may still complete it.
		target = PARTIALLY_PAID_I
	}

	if target == inv.Status && !paidIncreases {
		p.conflict(inv, ev, "duplicate notification")
		return nil, nil
	}

	if !transitionsStatusesOfInvoice.Allowed(inv.Status, target) {
		p.conflict(inv, ev, "transition not allowed")
		return nil, nil
	}

	var paid *currency.Amount
	if paidIncreases {
		paid = ev.Paid
	}
	return p.accept(inv, target, paid, now), nil
}

func (p *Processor) accept(inv *Invoice, to InvoiceStatus, paid *currency.Amount, now time.Time) *Transition {
	from := inv.Status
	inv.Status = to
	inv.Version++
	inv.UpdatedAt = now
	if paid != nil {
		inv.Paid = *paid
	}
	tr := &Transition{
		InvoiceID:  inv.ID,
		Provider:   inv.Provider,
		ExternalID: inv.ExternalID,
		From:       from,
		To:         to,
		Paid:       inv.Paid,
		Seq:        inv.Version,
		At:         now,
	}
	transitionsTotal.WithLabelValues(string(inv.Provider), string(to)).Inc()
	p.l.Debug("transition accepted",
		zap.String("invoice_id", inv.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("seq", inv.Version),
	)
	return tr
}

func (p *Processor) conflict(inv *Invoice, ev Event, reason string) {
	conflictsTotal.WithLabelValues(string(inv.Provider)).Inc()
	p.l.Info("conflicting notification ignored",
		zap.String("invoice_id", inv.ID),
		zap.String("external_id", inv.ExternalID),
		zap.String("status", string(inv.Status)),
		zap.String("event_status", string(ev.Status)),
		zap.String("reason", reason),
	)
}

// coversFullAmount reports whether ev proves the provider confirmed at least
// the requested amount.
func coversFullAmount(inv *Invoice, ev Event) bool {
	return ev.Status == SETTLED_I && ev.Paid != nil &&
		ev.Paid.MinorUnits() >= inv.Amount.MinorUnits()
}
