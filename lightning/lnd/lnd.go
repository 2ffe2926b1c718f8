// Package lnd adapts an operator-run lnd node (over gRPC) to the
// LightningNode contract.
package lnd

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	macaroon "gopkg.in/macaroon.v2"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/currency"
	"github.com/v0l/payments-go/engine"
	"github.com/v0l/payments-go/provider"
)

const LND engine.Provider = "lnd"

// defaultExpirySeconds matches lnd's own invoice default.
const defaultExpirySeconds int64 = 3600

type Config struct {
	// Host is the gRPC endpoint, host:port.
	Host         string
	TLSCertPath  string
	MacaroonPath string
}

type Node struct {
	ln       lnrpc.LightningClient
	invoices invoicesrpc.InvoicesClient
	router   routerrpc.RouterClient
	conn     *grpc.ClientConn
	l        *zap.Logger
}

var _ provider.LightningNode = (*Node)(nil)

// NewNode dials the node with TLS transport credentials and a macaroon sent
// per-RPC.
func NewNode(cfg Config) (*Node, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, errors.Wrap(err, "failed load tls cert")
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed read macaroon")
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, errors.Wrap(err, "failed unmarshal macaroon")
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "failed create macaroon credential")
	}

	conn, err := grpc.Dial(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed dial lnd")
	}

	return &Node{
		ln:       lnrpc.NewLightningClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		conn:     conn,
		l:        zap.L().Named("lnd_node"),
	}, nil
}

func (n *Node) Close() error { return n.conn.Close() }

func (n *Node) AddInvoice(ctx context.Context, req provider.AddInvoiceRequest) (*engine.Invoice, error) {
	if req.Amount.Currency() != currency.BTC {
		return nil, errors.Wrap(payments.ErrInvalidAmount, "lightning invoices are denominated in BTC")
	}
	if req.ExpirySeconds < 0 {
		return nil, errors.Wrapf(payments.ErrExpiryOutOfRange, "expiry %d", req.ExpirySeconds)
	}
	expiry := req.ExpirySeconds
	if expiry == 0 {
		expiry = defaultExpirySeconds
	}

	resp, err := n.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      req.Memo,
		ValueMsat: int64(req.Amount.MinorUnits()),
		Expiry:    expiry,
	})
	if err != nil {
		n.l.Warn("add invoice failed", zap.Error(err))
		return nil, classify(err, "failed add invoice")
	}

	expiresAt := time.Now().Add(time.Duration(expiry) * time.Second)
	inv := engine.NewInvoice(LND, req.Amount, req.Memo, hex.EncodeToString(resp.RHash), &expiresAt)
	inv.PaymentRequest = resp.PaymentRequest
	return inv, nil
}

func (n *Node) LookupInvoice(ctx context.Context, paymentHash string) (engine.InvoiceStatus, error) {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return "", errors.Wrap(payments.ErrNotFound, "malformed payment hash")
	}
	inv, err := n.ln.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hash})
	if err != nil {
		return "", classify(err, "failed lookup invoice")
	}
	return MapInvoiceState(inv, time.Now()), nil
}

func (n *Node) CancelInvoice(ctx context.Context, paymentHash string) error {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return errors.Wrap(payments.ErrNotFound, "malformed payment hash")
	}
	if _, err := n.invoices.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{PaymentHash: hash}); err != nil {
		return classify(err, "failed cancel invoice")
	}
	return nil
}

// defaultPayTimeoutSeconds bounds how long the router keeps trying routes
// before a payment is declared failed.
const defaultPayTimeoutSeconds int32 = 60

// PayInvoice pays a BOLT11 invoice through the router and blocks until the
// payment reaches a terminal state. The router streams intermediate updates
// (in-flight HTLCs, route attempts); only the final update decides the
// outcome.
func (n *Node) PayInvoice(ctx context.Context, req provider.PayInvoiceRequest) (*provider.PayInvoiceResponse, error) {
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultPayTimeoutSeconds
	}

	stream, err := n.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: req.PaymentRequest,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		n.l.Warn("send payment failed", zap.Error(err))
		return nil, classify(err, "failed send payment")
	}

	var last *lnrpc.Payment
	for {
		p, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classify(err, "payment stream broken")
		}
		last = p
	}
	return paymentResult(last)
}

func paymentResult(p *lnrpc.Payment) (*provider.PayInvoiceResponse, error) {
	if p == nil {
		return nil, errors.Wrap(payments.ErrNodeUnavailable, "no payment result received")
	}
	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
	case lnrpc.Payment_FAILED:
		return nil, errors.Wrapf(payments.ErrProviderRejected, "payment failed: %s", p.FailureReason)
	default:
		return nil, errors.Wrapf(payments.ErrNodeUnavailable, "payment not settled: %s", p.Status)
	}

	amount, err := currency.Millisats(p.ValueMsat)
	if err != nil {
		return nil, errors.Wrap(err, "failed convert paid amount")
	}
	fee, err := currency.Millisats(p.FeeMsat)
	if err != nil {
		return nil, errors.Wrap(err, "failed convert fee")
	}
	return &provider.PayInvoiceResponse{
		PaymentHash: p.PaymentHash,
		Preimage:    p.PaymentPreimage,
		Amount:      amount,
		Fee:         fee,
	}, nil
}

// SubscribeInvoiceUpdates opens the node's SubscribeInvoices stream and pumps
// every update through a channel. Cancelling ctx tears the stream down and
// closes the channel.
func (n *Node) SubscribeInvoiceUpdates(ctx context.Context) (<-chan provider.InvoiceUpdate, error) {
	stream, err := n.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, classify(err, "failed subscribe invoices")
	}

	out := make(chan provider.InvoiceUpdate)
	go func() {
		defer close(out)
		for {
			inv, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- provider.InvoiceUpdate{Err: classify(err, "invoice stream broken")}:
				case <-ctx.Done():
				}
				return
			}
			ev := eventFromInvoice(inv, time.Now())
			select {
			case out <- provider.InvoiceUpdate{Event: ev}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func eventFromInvoice(inv *lnrpc.Invoice, now time.Time) *engine.Event {
	ev := &engine.Event{
		Provider:   LND,
		ExternalID: hex.EncodeToString(inv.RHash),
		Status:     MapInvoiceState(inv, now),
		At:         now,
	}
	if inv.AmtPaidMsat > 0 {
		if paid, err := currency.Millisats(inv.AmtPaidMsat); err == nil {
			ev.Paid = &paid
		}
	}
	return ev
}

// MapInvoiceState folds an lnd invoice state into the lifecycle vocabulary.
// lnd reports expiry with the OPEN and CANCELED states, so elapsed expiry is
// derived from the invoice's creation time.
func MapInvoiceState(inv *lnrpc.Invoice, now time.Time) engine.InvoiceStatus {
	expired := invoiceExpired(inv, now)
	switch inv.State {
	case lnrpc.Invoice_SETTLED:
		return engine.SETTLED_I
	case lnrpc.Invoice_CANCELED:
		if expired {
			return engine.EXPIRED_I
		}
		return engine.FAILED_I
	case lnrpc.Invoice_ACCEPTED:
		return engine.PENDING_I
	default: // OPEN
		if expired {
			return engine.EXPIRED_I
		}
		return engine.PENDING_I
	}
}

func invoiceExpired(inv *lnrpc.Invoice, now time.Time) bool {
	if inv.CreationDate == 0 {
		return false
	}
	expiry := inv.Expiry
	if expiry == 0 {
		expiry = defaultExpirySeconds
	}
	return !now.Before(time.Unix(inv.CreationDate+expiry, 0))
}

func classify(err error, msg string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return errors.Wrap(payments.ErrNotFound, msg)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errors.Wrap(payments.ErrNodeUnavailable, msg)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return errors.Wrapf(payments.ErrProviderRejected, "%s: %v", msg, err)
	default:
		return errors.Wrapf(payments.ErrNodeUnavailable, "%s: %v", msg, err)
	}
}
