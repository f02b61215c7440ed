// Package errtag names the logical error categories of spec §7. Components
// wrap an underlying error with fmt.Errorf("...: %w", sentinel) and callers
// compare with errors.Is, rather than relying on typed error hierarchies or
// panics.
package errtag

import "errors"

var (
	// ErrValidation marks bad input. Reported synchronously, never retried.
	ErrValidation = errors.New("validation")
	// ErrNotFound marks a missing order/user/group/activity. Synchronous.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a duplicate msg_id or duplicate Deduct for an order.
	// Callers treat this as success-with-cached-result (idempotency), not a
	// failure.
	ErrConflict = errors.New("conflict")
	// ErrBackpressure marks a full queue or negative-token admission
	// response. Synchronous; the client retries with the returned hint.
	ErrBackpressure = errors.New("backpressure")
	// ErrTransient marks a fast-store-down or bus-publish-failed condition.
	// Callers retry internally; on exhaustion they degrade per component
	// (Admission→Queuing, Router→Offline path, Materializer→bus redelivery).
	ErrTransient = errors.New("transient")
	// ErrCorruption marks negative stock, out-of-order sequence, or a
	// missing StockLog for a Paid order. Only the Reconciler repairs these,
	// and never in a way that increases saleable stock.
	ErrCorruption = errors.New("corruption")
	// ErrFatal marks a condition that must fail startup: invalid config,
	// missing schema, fast-store schema mismatch.
	ErrFatal = errors.New("fatal")
)
