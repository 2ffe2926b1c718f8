// Package payments defines the shared error taxonomy of the payments core.
//
// Every package in this module reports failures as one of these sentinels,
// usually wrapped with additional context via github.com/pkg/errors. Callers
// classify with errors.Is.
package payments

import "errors"

var (
	// ErrInvalidAmount reports malformed or out-of-range monetary input.
	// Always a caller bug, never worth a retry.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnitMismatch reports arithmetic across two different currency units.
	ErrUnitMismatch = errors.New("currency unit mismatch")

	// ErrUnderflow reports a subtraction that would produce a negative amount.
	ErrUnderflow = errors.New("amount underflow")

	// ErrProviderUnavailable reports a transient network or provider failure
	// on the fiat side. Safe to retry with backoff at the host layer.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrNodeUnavailable is the lightning-side equivalent of
	// ErrProviderUnavailable.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrProviderRejected reports a request the provider declined for a
	// business reason. Not retryable without changing the input.
	ErrProviderRejected = errors.New("provider rejected")

	// ErrNotFound reports that the provider has no record of the entity.
	ErrNotFound = errors.New("not found")

	// ErrExpiryOutOfRange reports an invoice expiry the node cannot accept.
	ErrExpiryOutOfRange = errors.New("expiry out of range")

	// ErrSignatureInvalid reports a webhook whose signature did not verify.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrSchemaInvalid reports a webhook payload that cannot be mapped to the
	// expected event shape.
	ErrSchemaInvalid = errors.New("schema invalid")

	// ErrStale reports a webhook whose timestamp falls outside the replay
	// window.
	ErrStale = errors.New("stale event")

	// ErrNotSupported reports an operation the concrete provider does not
	// implement.
	ErrNotSupported = errors.New("not supported")
)
