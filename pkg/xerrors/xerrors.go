package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"

	bolt "go.etcd.io/bbolt"
)

// Kind classifies psgcache errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindCorrupt
	KindClosed
	KindNotSupported
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	// Target names what the operation was applied to: a file path, a
	// satellite, or a blob id.
	Target string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Target != "" {
		base += " " + e.Target
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string { return kindString(k) }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindCorrupt:
		return "corrupt"
	case KindClosed:
		return "closed"
	case KindNotSupported:
		return "not supported"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, target string) error {
	return &Error{Kind: kind, Op: op, Target: target}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, bolt.ErrBucketNotFound):
		return KindNotFound
	case errors.Is(err, bolt.ErrInvalid),
		errors.Is(err, bolt.ErrVersionMismatch),
		errors.Is(err, bolt.ErrChecksum):
		return KindCorrupt
	case errors.Is(err, bolt.ErrDatabaseNotOpen),
		errors.Is(err, bolt.ErrTxClosed),
		errors.Is(err, iofs.ErrClosed):
		return KindClosed
	case errors.Is(err, bolt.ErrDatabaseReadOnly),
		errors.Is(err, bolt.ErrTxNotWritable):
		return KindNotSupported
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
