// Package errs defines the engine's error taxonomy (spec §7): every error
// returned across the WAL, SSTable, catalog and engine layers is one of
// three kinds, wrapping an underlying cause so callers can still use
// errors.Is/errors.As against stdlib sentinels (os.ErrNotExist, io.EOF, ...).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a StoreError per spec §7.
type Kind int

const (
	// KindInvalidArgument covers empty/malformed keys and inverted range
	// bounds. The caller's request is rejected with no state change.
	KindInvalidArgument Kind = iota
	// KindIO covers fsync failure, disk full, rename failure and similar
	// operating-system level failures.
	KindIO
	// KindCorruption covers a malformed SSTable header or a block whose
	// checksum does not match its contents. Fatal for the affected table.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// StoreError is the engine's concrete error type. Op names the failing
// operation (e.g. "lsm.Put", "sstable.Open") for diagnostics.
type StoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports whether target is a *StoreError with the same Kind, so callers
// can write errors.Is(err, errs.ErrIO) style checks via the sentinels below.
func (e *StoreError) Is(target error) bool {
	other, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newKind(kind Kind) error { return &StoreError{Kind: kind} }

// Sentinels usable with errors.Is(err, errs.ErrInvalidArgument) etc.
var (
	ErrInvalidArgument = newKind(KindInvalidArgument)
	ErrIO              = newKind(KindIO)
	ErrCorruption      = newKind(KindCorruption)
)

// Invalid wraps err (may be nil) as a KindInvalidArgument StoreError.
func Invalid(op string, err error) error {
	return &StoreError{Kind: KindInvalidArgument, Op: op, Err: err}
}

// InvalidMsg is a convenience for building a KindInvalidArgument error from
// a plain message.
func InvalidMsg(op, msg string) error {
	return &StoreError{Kind: KindInvalidArgument, Op: op, Err: fmt.Errorf("%s", msg)}
}

// IO wraps err as a KindIO StoreError.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: KindIO, Op: op, Err: err}
}

// Corrupt wraps err as a KindCorruption StoreError.
func Corrupt(op string, err error) error {
	return &StoreError{Kind: KindCorruption, Op: op, Err: err}
}

// Of reports the Kind of err if it is (or wraps) a *StoreError, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var se *StoreError
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Kind, true
}
