// Package updater fans accepted invoice transitions out over NATS so that
// host applications can follow lifecycle changes without polling.
package updater

import (
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/v0l/payments-go/engine"
)

// subjectPrefix is followed by the invoice ID; subscribe to
// "payments.invoice.>" for everything.
const subjectPrefix = "payments.invoice."

type Server struct {
	nc *nats.EncodedConn
	l  *zap.Logger
}

func NewServer(nc *nats.EncodedConn) *Server {
	return &Server{
		nc: nc,
		l:  zap.L().Named("updater"),
	}
}

// PublishTransition emits tr on the invoice's subject.
func (s *Server) PublishTransition(tr *engine.Transition) error {
	if err := s.nc.Publish(subjectPrefix+tr.InvoiceID, tr); err != nil {
		return errors.Wrap(err, "failed publish transition")
	}
	s.l.Debug("transition published",
		zap.String("invoice_id", tr.InvoiceID),
		zap.String("to", string(tr.To)),
		zap.Int64("seq", tr.Seq),
	)
	return nil
}

// Subscribe delivers transitions for one invoice to cb until the returned
// subscription is unsubscribed. An empty invoiceID subscribes to all
// invoices.
func (s *Server) Subscribe(invoiceID string, cb func(*engine.Transition)) (*nats.Subscription, error) {
	subject := subjectPrefix + invoiceID
	if invoiceID == "" {
		subject = subjectPrefix + ">"
	}
	sub, err := s.nc.Subscribe(subject, cb)
	if err != nil {
		return nil, errors.Wrap(err, "failed subscribe")
	}
	return sub, nil
}
