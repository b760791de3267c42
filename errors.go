package blockstore

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a failure the way spec.md §7 taxonomizes them.
type ErrorKind int

const (
	// FileCorrupted signals a bad header, page size, or out-of-range
	// page id. Fatal: the store must be closed.
	FileCorrupted ErrorKind = iota
	// FileVersion signals readVersion != 0. Fatal.
	FileVersion
	// IoError wraps any read/write/seek failure.
	IoError
	// InternalError signals a programmer bug: duplicate delete, a
	// broken allocation invariant, an unknown function type. It should
	// not occur in correct use.
	InternalError
)

func (k ErrorKind) String() string {
	switch k {
	case FileCorrupted:
		return "FileCorrupted"
	case FileVersion:
		return "FileVersion"
	case IoError:
		return "IoError"
	case InternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// StoreError is this module's classified error type, raised by
// pagestore and storage. Its Kind lets a caller decide whether the
// failure is fatal (close the store) or a plain I/O error to surface.
// filestore and pagelog return plain wrapped errors instead, which
// pagestore and storage pass on unchanged.
type StoreError struct {
	Kind ErrorKind
	Op   string
	File string
	err  error
}

func (e *StoreError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.File, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Cause() error {
	return e.err
}

// NewIoError wraps an I/O failure with the operation and file name that
// caused it, per spec.md §7's propagation policy: "the core never
// swallows I/O errors; it translates them once ... and propagates".
func NewIoError(op, file string, cause error) error {
	return &StoreError{
		Kind: IoError,
		Op:   op,
		File: file,
		err:  errors.Wrapf(cause, "%s on %s", op, file),
	}
}

// NewFileCorrupted reports a header/page-size/page-id invariant
// violation discovered while reading the file.
func NewFileCorrupted(op, file string, detail string) error {
	return &StoreError{
		Kind: FileCorrupted,
		Op:   op,
		File: file,
		err:  errors.Errorf("file corrupted: %s", detail),
	}
}

// NewFileVersion reports readVersion != 0.
func NewFileVersion(file string) error {
	return &StoreError{
		Kind: FileVersion,
		Op:   "open",
		File: file,
		err:  errors.New("unsupported file version"),
	}
}

// NewInternalError reports a broken invariant: a programmer bug, not a
// user error.
func NewInternalError(op string, detail string) error {
	return &StoreError{
		Kind: InternalError,
		Op:   op,
		err:  errors.Errorf("internal error: %s", detail),
	}
}

// IsKind reports whether err (or something it wraps) is a *StoreError
// of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
