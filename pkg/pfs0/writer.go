package pfs0

import (
	"bytes"
	"encoding/binary"
)

// WriterEntry is one file to serialize into a new PFS0 container.
type WriterEntry struct {
	Name string
	Data []byte
}

// Build serializes entries into a PFS0 byte image, matching the
// teacher's Pfs0Writer layout (header, then entry table, then string
// table, then file data back to back with no padding between files).
// Used by the builder for meta-NCA patching (§4.9), which replaces a
// Meta NCA's Data section with a single-file PFS0 carrying the
// rewritten CNMT.
func Build(entries []WriterEntry) []byte {
	var stringTable bytes.Buffer
	raw := make([]rawEntry, len(entries))
	offset := uint64(0)
	for i, e := range entries {
		raw[i].NameOffset = uint32(stringTable.Len())
		stringTable.WriteString(e.Name)
		stringTable.WriteByte(0)
		raw[i].DataOffset = offset
		raw[i].DataSize = uint64(len(e.Data))
		offset += uint64(len(e.Data))
	}

	var out bytes.Buffer
	hdr := rawHeader{NumFiles: uint32(len(entries)), StringTableSize: uint32(stringTable.Len())}
	copy(hdr.Magic[:], headerMagic)
	binary.Write(&out, binary.LittleEndian, &hdr)
	binary.Write(&out, binary.LittleEndian, raw)
	out.Write(stringTable.Bytes())
	for _, e := range entries {
		out.Write(e.Data)
	}
	return out.Bytes()
}
