// Package pfs0 reads and writes PartitionFs: a flat table of
// name/offset/size entries (ExeFS, CNMT-PFS, meta-patch content)
// (§4.3, §4.9). Adapted from the teacher's pkg/fs/pfs0.go and
// pfs0_writer.go, generalized from *os.File to storage.Storage so it
// composes with the rest of ncago's read pipeline instead of owning a
// file handle.
package pfs0

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/falk/ncago/pkg/ncaerr"
	"github.com/falk/ncago/pkg/storage"
	"github.com/falk/ncago/pkg/vfs"
)

const headerMagic = "PFS0"

type rawHeader struct {
	Magic           [4]byte
	NumFiles        uint32
	StringTableSize uint32
	Reserved        uint32
}

type rawEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	Reserved   uint32
}

type fileEntry struct {
	name   string
	offset int64
	size   int64
}

// FileSystem is a parsed PartitionFs view over a verified section
// storage.
type FileSystem struct {
	data  storage.Storage
	files []fileEntry
}

// Open parses a PFS0 container from data (ordinarily the section's
// integrity-verified storage).
func Open(data storage.Storage) (*FileSystem, error) {
	headerBuf := make([]byte, 16)
	if _, err := data.ReadAt(headerBuf, 0); err != nil {
		return nil, err
	}
	var hdr rawHeader
	if err := binary.Read(bytes.NewReader(headerBuf), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:]) != headerMagic {
		return nil, fmt.Errorf("%w: pfs0 magic %q", ncaerr.ErrInvalidHeader, hdr.Magic)
	}

	entriesBuf := make([]byte, int(hdr.NumFiles)*24)
	if _, err := data.ReadAt(entriesBuf, 16); err != nil {
		return nil, err
	}
	entries := make([]rawEntry, hdr.NumFiles)
	if err := binary.Read(bytes.NewReader(entriesBuf), binary.LittleEndian, &entries); err != nil {
		return nil, err
	}

	stringTableOffset := int64(16 + len(entriesBuf))
	stringTable := make([]byte, hdr.StringTableSize)
	if _, err := data.ReadAt(stringTable, stringTableOffset); err != nil {
		return nil, err
	}

	dataBase := stringTableOffset + int64(len(stringTable))
	files := make([]fileEntry, hdr.NumFiles)
	for i, e := range entries {
		name, err := nameAt(stringTable, e.NameOffset)
		if err != nil {
			return nil, err
		}
		files[i] = fileEntry{
			name:   name,
			offset: dataBase + int64(e.DataOffset),
			size:   int64(e.DataSize),
		}
	}

	return &FileSystem{data: data, files: files}, nil
}

func nameAt(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("%w: pfs0 name offset out of bounds", ncaerr.ErrInvalidHeader)
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}

// Open returns the named file. PartitionFs is flat, so path is matched
// against the stored name with any leading slash stripped.
func (fs *FileSystem) Open(p string) (vfs.File, error) {
	name := strings.TrimPrefix(p, "/")
	for _, f := range fs.files {
		if f.name == name {
			return storage.NewSliceStorage(fs.data, f.offset, f.size), nil
		}
	}
	return nil, fmt.Errorf("pfs0: %q not found", p)
}

// Enumerate lists every file (PartitionFs has no subdirectories)
// matching glob; path is accepted for interface symmetry with
// RomFs but otherwise ignored since every entry lives at the root.
func (fs *FileSystem) Enumerate(_, glob string) ([]vfs.Entry, error) {
	out := make([]vfs.Entry, 0, len(fs.files))
	for _, f := range fs.files {
		if glob != "" && glob != "*" {
			if ok, err := path.Match(glob, f.name); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
		}
		out = append(out, vfs.Entry{Path: "/" + f.name, Size: f.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
