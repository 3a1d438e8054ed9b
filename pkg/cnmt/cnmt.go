// Package cnmt parses and rewrites PackagedContentMeta ("CNMT")
// binaries: the Meta NCA's Data-section PartitionFs carries exactly
// one `*.cnmt` file listing the content NCAs that make up a title
// (§4.9). Grounded on Ralim-switchhost's cnmt.ParseBinary for the
// content-entry table layout, extended with a Rewrite that the
// teacher's read-only reference never needed, since meta-NCA patching
// (§4.8/§4.9) requires producing a new binary, not just reading one.
package cnmt

import (
	"encoding/binary"
	"fmt"

	"github.com/falk/ncago/pkg/ncaerr"
)

// ContentType is the CNMT content-entry type byte.
type ContentType uint8

const (
	ContentMeta ContentType = iota
	ContentProgram
	ContentData
	ContentControl
	ContentHtmlDocument
	ContentLegalInformation
	ContentDeltaFragment
)

const headerSize = 0x20
const entrySize = 0x38

// ContentEntry is one row of a CNMT's content-entry table: a content
// NCA's hash, its derived NCA ID (the hash's first 16 bytes), its
// size, and its content type.
type ContentEntry struct {
	Hash [0x20]byte
	NcaID [0x10]byte
	Size  uint64 // only the low 48 bits are ever encoded
	Type  ContentType
}

// Cnmt is a parsed PackagedContentMeta binary. Header and any trailing
// bytes after the content-entry table (content-meta entries, digest)
// are kept verbatim so Rewrite can round-trip them unchanged; the
// extended header between the fixed header and the content-entry
// table (nonzero-sized for Application/Patch/AddOnContent/Delta meta
// types) is likewise kept verbatim, since it is not part of the
// content-entry table itself. Only the content-entry table and its
// count field are replaced.
type Cnmt struct {
	TitleID uint64
	Version uint32
	MetaType byte

	header         [headerSize]byte
	tableOffset    uint16
	extendedHeader []byte // data[headerSize:tableStart], preserved verbatim
	entries        []ContentEntry
	trailer        []byte // bytes following the content-entry table
}

// Parse reads a CNMT binary (the sole file inside the Meta NCA's
// Data-section PartitionFs).
func Parse(data []byte) (*Cnmt, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: cnmt shorter than header", ncaerr.ErrInvalidHeader)
	}
	c := &Cnmt{}
	copy(c.header[:], data[:headerSize])
	c.TitleID = binary.LittleEndian.Uint64(data[0x00:0x08])
	c.Version = binary.LittleEndian.Uint32(data[0x08:0x0C])
	c.MetaType = data[0x0C]
	c.tableOffset = binary.LittleEndian.Uint16(data[0x0E:0x10])
	entryCount := binary.LittleEndian.Uint16(data[0x10:0x12])

	tableStart := headerSize + int(c.tableOffset)
	if tableStart > len(data) || tableStart+int(entryCount)*entrySize > len(data) {
		return nil, fmt.Errorf("%w: cnmt content table out of range", ncaerr.ErrInvalidHeader)
	}
	c.extendedHeader = append([]byte(nil), data[headerSize:tableStart]...)

	c.entries = make([]ContentEntry, entryCount)
	for i := range c.entries {
		pos := tableStart + i*entrySize
		e := &c.entries[i]
		copy(e.Hash[:], data[pos:pos+0x20])
		copy(e.NcaID[:], data[pos+0x20:pos+0x30])
		e.Size = fromSizeField(data[pos+0x30 : pos+0x36])
		e.Type = ContentType(data[pos+0x36])
	}

	tableEnd := tableStart + int(entryCount)*entrySize
	c.trailer = append([]byte(nil), data[tableEnd:]...)

	return c, nil
}

func fromSizeField(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:6], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func toSizeField(v uint64) [6]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	var out [6]byte
	copy(out[:], buf[:6])
	return out
}

// Entries returns the parsed content-entry table.
func (c *Cnmt) Entries() []ContentEntry { return c.entries }

// Rewrite serializes a new CNMT binary with entries replacing the
// content-entry table, preserving the original header (beyond the
// entry-count field, which is updated), extended header, and trailer
// bytes (§4.9: "rewrite its content-entries list... serialize a new
// PFS0 with one file"). The extended header keeps its original size,
// so tableOffset (and hence its on-disk position) is unchanged.
func (c *Cnmt) Rewrite(entries []ContentEntry) []byte {
	out := make([]byte, headerSize)
	copy(out, c.header[:])
	binary.LittleEndian.PutUint16(out[0x10:0x12], uint16(len(entries)))
	out = append(out, c.extendedHeader...)

	for _, e := range entries {
		row := make([]byte, entrySize)
		copy(row[0x00:0x20], e.Hash[:])
		copy(row[0x20:0x30], e.NcaID[:])
		sizeField := toSizeField(e.Size)
		copy(row[0x30:0x36], sizeField[:])
		row[0x36] = byte(e.Type)
		out = append(out, row...)
	}
	out = append(out, c.trailer...)
	return out
}
