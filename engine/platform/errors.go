package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class partitions adapter failures by how the engine recovers from them.
type Class string

const (
	// ClassTransient covers network failures, timeouts, 5xx responses and
	// rate limiting. The owning worker retries with backoff.
	ClassTransient Class = "transient"
	// ClassPermanent covers validation and other non-recoverable rejections.
	// No retry.
	ClassPermanent Class = "permanent"
	// ClassAuthExpired means the platform credentials need re-authorization.
	// The dispatcher disables the adapter and preserves queued work.
	ClassAuthExpired Class = "auth_expired"
)

// Error is the classified failure adapters return. Wrap the vendor error so
// callers can still unwrap it.
type Error struct {
	// Class drives the engine's recovery path.
	Class Class
	// Platform is the adapter id that produced the failure.
	Platform string
	// Op names the adapter method ("publish", "fetch_metrics", ...).
	Op string
	// Err is the underlying vendor error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Platform, e.Op, e.Class, e.Err)
}

// Unwrap returns the underlying vendor error.
func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient adapter failure.
func Transient(platformID, op string, err error) *Error {
	return &Error{Class: ClassTransient, Platform: platformID, Op: op, Err: err}
}

// Permanent wraps err as a permanent adapter failure.
func Permanent(platformID, op string, err error) *Error {
	return &Error{Class: ClassPermanent, Platform: platformID, Op: op, Err: err}
}

// AuthExpired wraps err as an expired-credentials failure.
func AuthExpired(platformID, op string, err error) *Error {
	return &Error{Class: ClassAuthExpired, Platform: platformID, Op: op, Err: err}
}

// ClassOf returns the failure class for err. Unclassified errors fall back
// to heuristics: cancelation is permanent (the caller gave up), deadline
// expiry and network timeouts are transient, everything else is permanent.
func ClassOf(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// IsAuthExpired reports whether err indicates expired credentials.
func IsAuthExpired(err error) bool { return ClassOf(err) == ClassAuthExpired }

// Ambiguous reports whether a publish failure leaves the outcome unknown:
// the request may have reached the platform even though the call failed.
// Timeouts and transient transport failures are ambiguous; validation and
// auth rejections are not.
func Ambiguous(err error) bool {
	return ClassOf(err) == ClassTransient
}
