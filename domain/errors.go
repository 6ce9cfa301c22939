// Package domain holds the error taxonomy shared by the aggregates, the
// command service, and the daemon. It sits below every other package so
// the aggregates never depend on the service layer.
package domain

import "errors"

var (
	// ErrInvalidOperation indicates a domain invariant rejected the command
	// (publish request on an in-progress platform, double ingestion,
	// modifying a non-pending publication). Fatal to the command, never
	// retried, safe to surface verbatim.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidState indicates an impossible state was reached
	// (unevaluable publication kind, unknown platform status). These are
	// programming-invariant failures: log loudly, never swallow.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound indicates a referenced publication or video is absent.
	ErrNotFound = errors.New("not found")
)
