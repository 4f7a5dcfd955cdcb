package helper

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a referenced entity, node or document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for malformed input before any store is touched.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable marks a backend that could not be reached or timed out.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrEmptyText is returned by encoders for empty or whitespace-only input.
	ErrEmptyText = errors.New("empty text")
	// ErrSummarization is logged when the summarizer fails. It never reaches callers.
	ErrSummarization = errors.New("summarization failed")
)

// Error wraps an error with the operation that produced it.
type Error struct {
	Operation string
	Err       error
}

// NewError wraps err with the given operation name. A nil err yields nil.
func NewError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Operation: operation, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StoreKind names one of the three backing stores.
type StoreKind string

const (
	StoreDocument StoreKind = "document"
	StoreGraph    StoreKind = "graph"
	StoreVector   StoreKind = "vector"
)

// PartialWriteError reports a multi-store write that stopped after at least
// one store was already written. Nothing is rolled back.
type PartialWriteError struct {
	EntityID  string
	Succeeded []StoreKind
	Failed    StoreKind
	Err       error
}

func (e *PartialWriteError) Error() string {
	done := make([]string, len(e.Succeeded))
	for i, s := range e.Succeeded {
		done[i] = string(s)
	}
	return fmt.Sprintf("partial write for entity %s: %s store failed after [%s]: %v", e.EntityID, e.Failed, strings.Join(done, ", "), e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// Validation returns an ErrValidation error with a message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// IsUnavailable reports whether err was classified as an unavailable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// ClassifySQLError maps database/sql errors onto the error taxonomy.
func ClassifySQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if IsConnectionError(err) {
		return Unavailable(err)
	}
	return err
}

// IsConnectionError reports whether err looks like a transport or deadline failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// connection exception, insufficient resources, operator intervention
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
