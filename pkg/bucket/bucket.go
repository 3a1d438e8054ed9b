// Package bucket implements the BucketTree sorted interval index in its
// two forms: IndirectTree (base-vs-patch byte selection) and CtrExTree
// (per-extent AES-CTR counter override). The storages that resolve
// extents through them, IndirectStorage and AesCtrExStorage, live in
// pkg/storage. This generalizes the teacher's pkg/fs/bktr.go,
// which parsed the same on-disk shape under its NCA2-era name "BKTR"
// (§4.7 / C7).
package bucket

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/falk/ncago/pkg/ncaerr"
)

// bucketHeaderSize is the fixed preamble of a bucket-tree data block:
// padding(4) + bucket count(4) + total size(8) + per-bucket base
// offsets (0x3FF0), matching the teacher's parsed layout.
const bucketHeaderSize = 16 + 0x3FF0

// rawEntry is one 16-byte on-disk bucket-tree record, common to both
// tree flavors: a virtual offset followed by 8 consumer-specific bytes.
type rawEntry struct {
	virtualOffset uint64
	data          [8]byte
}

func walkBuckets(data []byte) ([]rawEntry, error) {
	if len(data) < bucketHeaderSize {
		return nil, fmt.Errorf("%w: bucket tree shorter than header", ncaerr.ErrInvalidHeader)
	}
	bucketCount := binary.LittleEndian.Uint32(data[4:8])
	if bucketCount == 0 || bucketCount > 0x10000 {
		return nil, fmt.Errorf("%w: implausible bucket count %d", ncaerr.ErrInvalidHeader, bucketCount)
	}

	const stride = 16
	var entries []rawEntry
	pos := bucketHeaderSize
	for i := uint32(0); i < bucketCount; i++ {
		if pos+16 > len(data) {
			break
		}
		entryCount := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		if entryCount > 0xFFFF {
			return nil, fmt.Errorf("%w: implausible entry count %d", ncaerr.ErrInvalidHeader, entryCount)
		}
		entriesPos := pos + 16
		for j := uint32(0); j < entryCount; j++ {
			entryPos := entriesPos + int(j)*stride
			if entryPos+stride > len(data) {
				break
			}
			var re rawEntry
			re.virtualOffset = binary.LittleEndian.Uint64(data[entryPos : entryPos+8])
			copy(re.data[:], data[entryPos+8:entryPos+16])
			entries = append(entries, re)
		}
		pos = entriesPos + int(entryCount)*stride
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: bucket tree has no entries", ncaerr.ErrInvalidHeader)
	}
	return entries, nil
}

// Source selects which input an IndirectStorage interval reads from.
type Source int

const (
	SourceBase Source = iota
	SourcePatch
)

// IndirectEntry is one resolved interval of an IndirectStorage: bytes
// [VirtualOffset, VirtualOffset+Size) come from From at PhysOffset.
type IndirectEntry struct {
	VirtualOffset uint64
	Size          uint64
	PhysOffset    uint64
	From          Source
}

// IndirectTree is the parsed relocation bucket tree (§4.7).
type IndirectTree struct {
	entries []IndirectEntry
	total   uint64
}

// ParseIndirectTree parses an indirect (relocation) bucket tree whose
// 8 consumer bytes per entry are {physOffset low32, physOffset high24,
// selector u8} — physOffset packed little-endian across the first 7
// bytes with the top byte reserved for the base/patch selector so a
// single 8-byte field carries both, matching the teacher's
// BktrSubsectionEntry shape generalized with an explicit selector.
func ParseIndirectTree(data []byte) (*IndirectTree, error) {
	raw, err := walkBuckets(data)
	if err != nil {
		return nil, err
	}
	entries := make([]IndirectEntry, len(raw))
	for i, re := range raw {
		var physBytes [8]byte
		copy(physBytes[:7], re.data[:7])
		phys := binary.LittleEndian.Uint64(physBytes[:])
		selector := re.data[7]
		entries[i] = IndirectEntry{
			VirtualOffset: re.virtualOffset,
			PhysOffset:    phys,
			From:          Source(selector),
		}
	}
	finalizeSizes(entries)
	var total uint64
	if n := len(entries); n > 0 {
		total = entries[n-1].VirtualOffset + entries[n-1].Size
	}
	return &IndirectTree{entries: entries, total: total}, nil
}

func finalizeSizes(entries []IndirectEntry) {
	for i := 0; i < len(entries)-1; i++ {
		entries[i].Size = entries[i+1].VirtualOffset - entries[i].VirtualOffset
	}
}

// NewFlatIndirectTree builds an IndirectTree from explicit entries
// (already carrying Size), bypassing the on-disk parse. Used by the
// builder to synthesize patch-composition metadata for test fixtures.
func NewFlatIndirectTree(entries []IndirectEntry) *IndirectTree {
	var total uint64
	for _, e := range entries {
		if end := e.VirtualOffset + e.Size; end > total {
			total = end
		}
	}
	return &IndirectTree{entries: entries, total: total}
}

// Size is the virtual extent the tree covers.
func (t *IndirectTree) Size() int64 { return int64(t.total) }

// Lookup returns the entry containing virtualOffset.
func (t *IndirectTree) Lookup(virtualOffset uint64) (IndirectEntry, error) {
	if virtualOffset >= t.total {
		return IndirectEntry{}, io.EOF
	}
	lo, hi := 0, len(t.entries)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if t.entries[mid].VirtualOffset <= virtualOffset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return t.entries[lo], nil
}

// LookupRaw adapts Lookup to the plain-value shape
// storage.NewIndirectStorage expects, so pkg/storage need not import
// bucket's entry types directly.
func (t *IndirectTree) LookupRaw(virtualOffset uint64) (vo, size, phys uint64, fromPatch bool, err error) {
	e, err := t.Lookup(virtualOffset)
	if err != nil {
		return 0, 0, 0, false, err
	}
	return e.VirtualOffset, e.Size, e.PhysOffset, e.From == SourcePatch, nil
}

// CtrExEntry is one resolved interval of an AesCtrExStorage: bytes in
// [VirtualOffset, VirtualOffset+Size) use Generation as the high 32
// bits of the AES-CTR counter's high word (§4.7).
type CtrExEntry struct {
	VirtualOffset uint64
	Size          uint64
	Generation    uint32
}

// CtrExTree is the parsed AES-CTR-EX ("subsection") bucket tree.
type CtrExTree struct {
	entries []CtrExEntry
	total   uint64
}

// ParseAesCtrExTree parses a subsection bucket tree whose 8 consumer
// bytes per entry are {padding u32, generation u32}, matching the
// teacher's BktrSubsectionEntry.
func ParseAesCtrExTree(data []byte) (*CtrExTree, error) {
	raw, err := walkBuckets(data)
	if err != nil {
		return nil, err
	}
	entries := make([]CtrExEntry, len(raw))
	for i, re := range raw {
		entries[i] = CtrExEntry{
			VirtualOffset: re.virtualOffset,
			Generation:    binary.LittleEndian.Uint32(re.data[4:8]),
		}
	}
	for i := 0; i < len(entries)-1; i++ {
		entries[i].Size = entries[i+1].VirtualOffset - entries[i].VirtualOffset
	}
	var total uint64
	if n := len(entries); n > 0 {
		total = entries[n-1].VirtualOffset + entries[n-1].Size
	}
	return &CtrExTree{entries: entries, total: total}, nil
}

// Size is the virtual extent the tree covers.
func (t *CtrExTree) Size() int64 { return int64(t.total) }

// Lookup returns the entry containing virtualOffset.
func (t *CtrExTree) Lookup(virtualOffset uint64) (CtrExEntry, error) {
	if virtualOffset >= t.total {
		return CtrExEntry{}, io.EOF
	}
	lo, hi := 0, len(t.entries)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if t.entries[mid].VirtualOffset <= virtualOffset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return t.entries[lo], nil
}

// LookupRaw adapts Lookup to the plain-value shape
// storage.NewAesCtrExStorage expects.
func (t *CtrExTree) LookupRaw(virtualOffset uint64) (vo, size uint64, generation uint32, err error) {
	e, err := t.Lookup(virtualOffset)
	if err != nil {
		return 0, 0, 0, err
	}
	return e.VirtualOffset, e.Size, e.Generation, nil
}
