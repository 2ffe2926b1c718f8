// Package worker drives invoice lifecycle updates: it serializes event
// application per invoice and keeps lightning node streams consumed with
// reconnects.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/provider"
)

// InvoiceStore is the host-supplied persistence seam. The worker loads by the
// provider-native reference, mutates through the processor, and saves back.
type InvoiceStore interface {
	GetByExternalID(ctx context.Context, p engine.Provider, externalID string) (*engine.Invoice, error)
	Save(ctx context.Context, inv *engine.Invoice) error
}

// Publisher receives every accepted transition.
type Publisher interface {
	PublishTransition(tr *engine.Transition) error
}

type Worker struct {
	store     InvoiceStore
	processor *engine.Processor
	publisher Publisher
	l         *zap.Logger

	// now is swappable in tests.
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// resubscribeDelay spaces reconnect attempts after a broken stream.
	resubscribeDelay time.Duration
}

func NewWorker(store InvoiceStore, processor *engine.Processor, publisher Publisher) *Worker {
	return &Worker{
		store:            store,
		processor:        processor,
		publisher:        publisher,
		l:                zap.L().Named("lifecycle_worker"),
		now:              time.Now,
		locks:            map[string]*sync.Mutex{},
		resubscribeDelay: 5 * time.Second,
	}
}

// HandleEvent applies one normalized event under the invoice's lock. Events
// for unknown invoices are dropped with a warning: providers may notify about
// objects created outside this system.
func (w *Worker) HandleEvent(ctx context.Context, ev *engine.Event) error {
	lock := w.lockFor(string(ev.Provider) + "/" + ev.ExternalID)
	lock.Lock()
	defer lock.Unlock()

	inv, err := w.store.GetByExternalID(ctx, ev.Provider, ev.ExternalID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			w.l.Warn("event for unknown invoice",
				zap.String("provider", string(ev.Provider)),
				zap.String("external_id", ev.ExternalID),
			)
			return nil
		}
		return errors.WithMessage(err, "failed load invoice")
	}

	tr, err := w.processor.Apply(inv, *ev, w.now())
	if err != nil {
		return errors.WithMessage(err, "failed apply event")
	}
	if tr == nil {
		return nil
	}

	if err := w.store.Save(ctx, inv); err != nil {
		return errors.WithMessage(err, "failed save invoice")
	}
	if w.publisher != nil {
		if err := w.publisher.PublishTransition(tr); err != nil {
			w.l.Error("failed publish transition",
				zap.String("invoice_id", tr.InvoiceID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Run consumes a node's update stream until ctx is cancelled, resubscribing
// after stream failures.
func (w *Worker) Run(ctx context.Context, node provider.LightningNode) {
	for {
		updates, err := node.SubscribeInvoiceUpdates(ctx)
		if err != nil {
			w.l.Warn("failed subscribe invoice updates", zap.Error(err))
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		for u := range updates {
			if u.Err != nil {
				w.l.Warn("invoice stream error", zap.Error(u.Err))
				continue
			}
			if u.Event == nil {
				continue
			}
			if err := w.HandleEvent(ctx, u.Event); err != nil {
				w.l.Error("failed handle invoice update",
					zap.String("external_id", u.Event.ExternalID),
					zap.Error(err),
				)
			}
		}

		if ctx.Err() != nil {
			return
		}
		if !w.sleep(ctx) {
			return
		}
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-time.After(w.resubscribeDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) lockFor(key string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.locks[key]
	if !ok {
		m = &sync.Mutex{}
		w.locks[key] = m
	}
	return m
}
