// Package ncaerr defines the error kinds shared across ncago's packages.
//
// Low-level I/O and crypto errors are surfaced unchanged (wrapped with
// %w, never swallowed); the sentinels below are reserved for the
// conditions the spec calls out by name so callers can tell them apart
// with errors.Is.
package ncaerr

import "errors"

var (
	// ErrInvalidHeader covers bad magic, out-of-range section offsets,
	// and malformed bucket trees.
	ErrInvalidHeader = errors.New("ncago: invalid header")

	// ErrInvalidSignature is returned by RSA-PSS verification failures.
	// It is never fatal to open() on its own; callers decide.
	ErrInvalidSignature = errors.New("ncago: invalid signature")

	// ErrHashMismatch is only raised when the integrity level is
	// ErrorOnInvalid.
	ErrHashMismatch = errors.New("ncago: hash mismatch")

	// ErrMissingTitleKey means a rights-ID NCA was opened without the
	// matching external title key present in the ExternalKeySet.
	ErrMissingTitleKey = errors.New("ncago: missing title key")

	// ErrMissingKeyAreaKey means the KeySet lacks a key-area key for the
	// requested (generation, kind) pair.
	ErrMissingKeyAreaKey = errors.New("ncago: missing key area key")

	// ErrMissingDecryptionKey is a catch-all for key material absent
	// from the KeySet (header key, title kek, NCA0 RSA key, ...).
	ErrMissingDecryptionKey = errors.New("ncago: missing decryption key")

	// ErrUnsupportedFormat covers unknown magics and unknown hash or
	// encryption types where the caller needs one resolved.
	ErrUnsupportedFormat = errors.New("ncago: unsupported format")

	// ErrAlreadyAdded is raised by the builder when add_section(i) is
	// called twice for the same section index.
	ErrAlreadyAdded = errors.New("ncago: section already added")

	// ErrPreconditionViolation covers builder misuse: a section index
	// out of range, or Seal called out of order. A patch section that
	// carries no PatchInfo is reported by pkg/nca as ErrInvalidHeader.
	ErrPreconditionViolation = errors.New("ncago: precondition violation")
)
