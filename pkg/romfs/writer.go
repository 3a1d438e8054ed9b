package romfs

import (
	"encoding/binary"
)

// WriterFile is one flat, root-level file to serialize into a new
// RomFs image.
type WriterFile struct {
	Name string
	Data []byte
}

// Build serializes a flat (single-directory) RomFs image containing
// files at the root, with empty hash tables (every bucket sentinel,
// since this library never hash-probes by name — Open/Enumerate walk
// the metadata tables directly). Used by this package's tests; patch
// builds carry the base RomFs's bytes through unchanged instead
// (§4.8).
func Build(files []WriterFile) []byte {
	// Root directory entry: parent points at itself, no sibling, one
	// childFile chain through all entries, no child directories.
	var fileTable []byte
	fileOffsets := make([]uint32, len(files))
	for i, f := range files {
		fileOffsets[i] = uint32(len(fileTable))
		entry := make([]byte, fileEntryHeaderSize)
		binary.LittleEndian.PutUint32(entry[0:4], 0) // parent: root dir offset 0
		binary.LittleEndian.PutUint32(entry[4:8], sentinel) // sibling, patched below

		binary.LittleEndian.PutUint64(entry[8:16], 0) // data offset, patched below
		binary.LittleEndian.PutUint64(entry[16:24], uint64(len(f.Data)))
		binary.LittleEndian.PutUint32(entry[24:28], sentinel)
		binary.LittleEndian.PutUint32(entry[28:32], uint32(len(f.Name)))
		entry = append(entry, []byte(f.Name)...)
		for uint32(len(entry)) < align4(fileEntryHeaderSize+uint32(len(f.Name))) {
			entry = append(entry, 0)
		}
		fileTable = append(fileTable, entry...)
	}
	// Patch sibling pointers now that every entry's table offset is
	// known.
	for i := range files {
		if i+1 < len(files) {
			binary.LittleEndian.PutUint32(fileTable[fileOffsets[i]+4:fileOffsets[i]+8], fileOffsets[i+1])
		}
	}

	rootEntry := make([]byte, dirEntryHeaderSize) // empty name
	binary.LittleEndian.PutUint32(rootEntry[0:4], 0)        // parent: self
	binary.LittleEndian.PutUint32(rootEntry[4:8], sentinel) // sibling
	binary.LittleEndian.PutUint32(rootEntry[8:12], sentinel) // childDir
	if len(files) > 0 {
		binary.LittleEndian.PutUint32(rootEntry[12:16], fileOffsets[0])
	} else {
		binary.LittleEndian.PutUint32(rootEntry[12:16], sentinel)
	}
	binary.LittleEndian.PutUint32(rootEntry[16:20], sentinel) // hash
	binary.LittleEndian.PutUint32(rootEntry[20:24], 0)        // name size
	dirTable := rootEntry

	dirHashTable := make([]byte, 4)
	binary.LittleEndian.PutUint32(dirHashTable, sentinel)
	fileHashTable := make([]byte, 4)
	binary.LittleEndian.PutUint32(fileHashTable, sentinel)

	h := Header{HeaderSize: headerSize}
	h.DirHashTableOffset = headerSize
	h.DirHashTableSize = uint64(len(dirHashTable))
	h.DirMetaTableOffset = h.DirHashTableOffset + h.DirHashTableSize
	h.DirMetaTableSize = uint64(len(dirTable))
	h.FileHashTableOffset = h.DirMetaTableOffset + h.DirMetaTableSize
	h.FileHashTableSize = uint64(len(fileHashTable))
	h.FileMetaTableOffset = h.FileHashTableOffset + h.FileHashTableSize
	h.FileMetaTableSize = uint64(len(fileTable))
	h.DataOffset = h.FileMetaTableOffset + h.FileMetaTableSize

	// Patch each file entry's data offset to be relative to
	// h.DataOffset, and accumulate the data region itself.
	var dataRegion []byte
	dataCursor := uint64(0)
	for i, f := range files {
		binary.LittleEndian.PutUint64(fileTable[fileOffsets[i]+8:fileOffsets[i]+16], dataCursor)
		dataRegion = append(dataRegion, f.Data...)
		dataCursor += uint64(len(f.Data))
	}

	out := writeHeader(h)
	out = append(out, dirHashTable...)
	out = append(out, dirTable...)
	out = append(out, fileHashTable...)
	out = append(out, fileTable...)
	out = append(out, dataRegion...)
	return out
}
