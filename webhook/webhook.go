// Package webhook turns untrusted inbound provider notifications into
// verified lifecycle events.
//
// The bridge is stateless and synchronous: verification is pure CPU work, so
// a host may safely retry it, and nothing is mutated on failure. Replay
// protection is enforced purely from the event's embedded timestamp against
// a configurable skew window.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	payments "github.com/v0l/payments-go"
	"github.com/v0l/payments-go/engine"
)

// Message is a raw notification as received from the transport layer. The
// host builds one from request bytes and headers; the core never reads the
// network itself.
type Message struct {
	// Endpoint is the request path the notification arrived on.
	Endpoint string
	Body     []byte
	Header   http.Header

	// ReceivedAt anchors the replay-window check. FromRequest stamps it with
	// the wall clock.
	ReceivedAt time.Time
}

// FromRequest builds a Message from already-read request bytes.
func FromRequest(r *http.Request, body []byte) Message {
	return Message{
		Endpoint:   r.URL.Path,
		Body:       body,
		Header:     r.Header,
		ReceivedAt: time.Now().UTC(),
	}
}

// ReplayWindow bounds how far a provider-asserted timestamp may drift from
// the receive time before the event is rejected as stale.
type ReplayWindow struct {
	// MaxSkew of zero or below disables the check; some providers embed no
	// timestamp at all.
	MaxSkew time.Duration
}

// Check validates ts against the receive time.
func (w ReplayWindow) Check(ts, receivedAt time.Time) error {
	if w.MaxSkew <= 0 {
		return nil
	}
	d := receivedAt.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > w.MaxSkew {
		return errors.Wrapf(payments.ErrStale, "event timestamp %s outside %s window", ts, w.MaxSkew)
	}
	return nil
}

// Verifier authenticates and normalizes notifications for one provider.
// Implementations must use constant-time signature comparison and must not
// touch any state; a failed verification leaves no trace beyond the error.
type Verifier interface {
	Provider() engine.Provider
	VerifyAndParse(msg Message, secret []byte, window ReplayWindow) (*engine.Event, error)
}

// Bridge routes raw notifications to the registered verifier for their
// provider and enforces the shared replay window.
type Bridge struct {
	window ReplayWindow
	l      *zap.Logger

	mu        sync.RWMutex
	verifiers map[engine.Provider]Verifier
}

func NewBridge(window ReplayWindow) *Bridge {
	return &Bridge{
		window:    window,
		l:         zap.L().Named("webhook_bridge"),
		verifiers: make(map[engine.Provider]Verifier),
	}
}

// Register adds a provider verifier. Registering the same provider twice is
// a programming error and panics.
func (b *Bridge) Register(v Verifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.verifiers[v.Provider()]; ok {
		panic("webhook: verifier already registered for provider " + string(v.Provider()))
	}
	b.verifiers[v.Provider()] = v
}

// VerifyAndParse authenticates msg with the provider's shared secret and maps
// it onto zero or one normalized lifecycle event. It fails with
// ErrSignatureInvalid, ErrSchemaInvalid or ErrStale and never mutates
// anything on the failure path.
func (b *Bridge) VerifyAndParse(p engine.Provider, msg Message, secret []byte) (*engine.Event, error) {
	b.mu.RLock()
	v, ok := b.verifiers[p]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(payments.ErrNotSupported, "no webhook verifier for provider %q", p)
	}

	ev, err := v.VerifyAndParse(msg, secret, b.window)
	if err != nil {
		rejectedTotal.WithLabelValues(string(p), rejectReason(err)).Inc()
		b.l.Warn("webhook rejected",
			zap.String("provider", string(p)),
			zap.String("endpoint", msg.Endpoint),
			zap.Error(err),
		)
		return nil, err
	}
	return ev, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, payments.ErrSignatureInvalid):
		return "signature"
	case errors.Is(err, payments.ErrSchemaInvalid):
		return "schema"
	case errors.Is(err, payments.ErrStale):
		return "stale"
	default:
		return "other"
	}
}

// SignHex computes the hex HMAC-SHA256 of the concatenated parts. Shared by
// the provider signature schemes, all of which sign with a hex digest.
func SignHex(secret []byte, parts ...string) string {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHex compares two hex signatures in constant time.
func EqualHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
