package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure for the retry policy.
type Kind int

const (
	// KindTransient covers network failures, timeouts and 5xx; the
	// queue entry survives for the next flush.
	KindTransient Kind = iota
	// KindUnauthorized ends the session; the whole flush aborts.
	KindUnauthorized
	// KindClientRejected covers non-auth 4xx; retrying cannot change
	// the outcome, so the entry is dropped and logged.
	KindClientRejected
	// KindNotFound marks an absent record on read.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindClientRejected:
		return "client_rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsUnauthorized reports whether err is a session-ending auth failure.
func IsUnauthorized(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnauthorized
}

// IsNotFound reports whether err marks an absent record.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsRetryable reports whether a failed write should stay queued.
// Unclassified errors count as retryable: losing an edit is worse than
// retrying one.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	k, ok := kindOf(err)
	if !ok {
		return true
	}
	return k == KindTransient
}
