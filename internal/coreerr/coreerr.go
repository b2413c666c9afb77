// Package coreerr classifies the errors the core surfaces to its callers.
//
// Components never let transient failures escape as panics or bare
// exceptions: the fetcher and scraper retry internally, the engine retries
// a failed extraction, and they only return one of these classes once they
// give up. Callers branch on class
// with errors.Is / errors.As, not on message text.
package coreerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	errCanceled = context.Canceled
	errDeadline = context.DeadlineExceeded
)

// Class is the taxonomy from spec.md §7.
type Class int

const (
	// ClassTransient covers connection resets, DNS failures, 429/5xx and
	// body truncation. The fetcher/scraper retry these internally; they
	// only reach a caller once retries are exhausted.
	ClassTransient Class = iota
	// ClassPermanent covers 404/410 and non-JSON API responses. Never
	// retried.
	ClassPermanent
	// ClassFilesystem covers disk full, permission denied, cross-device
	// rename. Never retried; aborts the current file only.
	ClassFilesystem
	// ClassIntegrity covers size mismatches, archive corruption and media
	// validation failures. Retried up to a bounded count, then surfaced.
	ClassIntegrity
	// ClassLogical covers unknown system keys, unknown region/language
	// codes and missing credentials. Surfaced immediately.
	ClassLogical
	// ClassCancelled marks context cancellation. Never logged as failure.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFilesystem:
		return "filesystem"
	case ClassIntegrity:
		return "integrity"
	case ClassLogical:
		return "logical"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Class so callers can branch on
// errors.As without parsing messages.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a class and operation label. Returns nil if err is nil.
func New(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Is lets errors.Is(err, coreerr.OfClass(coreerr.ClassTransient)) etc. work
// against a bare Class sentinel, by comparing Class fields when both sides
// are *Error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Class == t.Class
	}
	return false
}

// OfClass builds a zero-cause sentinel usable with errors.Is, e.g.
// errors.Is(err, coreerr.OfClass(coreerr.ClassTransient)).
func OfClass(class Class) error {
	return &Error{Class: class, Err: errors.New(class.String())}
}

// IsClass reports whether err (or any error it wraps) was classified as class.
func IsClass(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Cancelled reports whether err represents a cancellation, whether it was
// wrapped via coreerr or came directly from context.
func Cancelled(err error) bool {
	return IsClass(err, ClassCancelled) || errors.Is(err, errCanceled) || errors.Is(err, errDeadline)
}
