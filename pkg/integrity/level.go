// Package integrity implements the two hash-tree verification schemes
// NCA sections use — SHA-256 (single-level, PartitionFs) and IVFC
// (six-level, RomFs) — as read-time storage.Storage wrappers, plus a
// whole-section verify_section scan (§4.6 / C6). Nothing here is
// grounded in the teacher, which never verified NCA content; the
// design follows Ralim-switchhost's cnmt/validation helpers for the
// overall "read block, hash, compare" shape and giwty's romfs reader
// for the IVFC level layout.
package integrity

// Level selects how strictly a hash mismatch is treated on read,
// matching the open-time integrity_level knob (§4.5, §4.6).
type Level int

const (
	// LevelNone performs no hashing at all.
	LevelNone Level = iota
	// LevelInvalid treats a mismatching block as all-zero bytes and
	// marks it Invalid, without returning an error.
	LevelInvalid
	// LevelWarn returns the block's actual bytes, logs a warning, and
	// marks it Invalid.
	LevelWarn
	// LevelErrorOnInvalid fails the read with ncaerr.ErrHashMismatch.
	LevelErrorOnInvalid
)

// Validity is the outcome of checking one block, or a whole section,
// against its stored hash.
type Validity int

const (
	// Unchecked means no hashing was attempted (LevelNone, or — for
	// NPDM — the artifact the hash would cover wasn't present).
	Unchecked Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unchecked"
	}
}
