// Package qerr defines the engine's error taxonomy. Every error surfaced to
// a caller carries a stable Kind plus a human-readable message; callers
// branch on Kind via errors.As or the Is helper, never on message text.
package qerr

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error category.
type Kind string

const (
	// Usage errors.
	KindParse               Kind = "ParseError"
	KindSchema              Kind = "SchemaError"
	KindDuplicateKey        Kind = "DuplicateKey"
	KindConstraintViolation Kind = "ConstraintViolation"
	KindTypeMismatch        Kind = "TypeMismatch"
	KindSavepointNotFound   Kind = "SavepointNotFound"
	KindNestedTransaction   Kind = "NestedTransaction"
	KindNoActiveTransaction Kind = "NoActiveTransaction"
	KindTransactionAborted  Kind = "TransactionAborted"
	KindNotLeader           Kind = "NotLeader"

	// Resource errors.
	KindMaxConnections           Kind = "MaxConnectionsReached"
	KindInsufficientHealthyNodes Kind = "InsufficientHealthyNodes"
	KindNetworkCapacityExceeded  Kind = "NetworkCapacityExceeded"
	KindDeadlock                 Kind = "Deadlock"
	KindCancelled                Kind = "Cancelled"
	KindTimeout                  Kind = "Timeout"

	// Integrity errors.
	KindChecksumMismatch  Kind = "ChecksumMismatch"
	KindCorruptWalRecord  Kind = "CorruptWalRecord"
	KindHealthCheckFailed Kind = "HealthCheckFailed"
	KindUpgradeInProgress Kind = "UpgradeInProgress"

	// Fatal errors.
	KindIO            Kind = "IoError"
	KindConfigInvalid Kind = "ConfigInvalid"
)

// Error is the concrete error type carrying a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var qe *Error
	for errors.As(err, &qe) {
		if qe.Kind == kind {
			return true
		}
		err = qe.Err
		if err == nil {
			return false
		}
	}
	return false
}

// KindOf returns the outermost kind in err's chain, or "" if none.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}
