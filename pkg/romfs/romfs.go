// Package romfs reads (and, for test/build fixtures, writes) RomFs:
// the B-tree hierarchy of directory and file metadata NCA Data and
// Control sections carry (§4.3). Grounded on
// giwty-switch-library-manager__romfs.go's header and file-entry
// layout, extended here with the directory table and parent/sibling/
// child tree walk that file gestures at but doesn't implement (it
// sequentially scans the file table rather than resolving the
// hierarchy, which loses path information the FileSystem interface
// needs).
package romfs

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/falk/ncago/pkg/ncaerr"
	"github.com/falk/ncago/pkg/storage"
	"github.com/falk/ncago/pkg/vfs"
)

const sentinel = 0xFFFFFFFF

// Header is RomFs's fixed 10-field preamble (§4.3).
type Header struct {
	HeaderSize          uint64
	DirHashTableOffset  uint64
	DirHashTableSize    uint64
	DirMetaTableOffset  uint64
	DirMetaTableSize    uint64
	FileHashTableOffset uint64
	FileHashTableSize   uint64
	FileMetaTableOffset uint64
	FileMetaTableSize   uint64
	DataOffset          uint64
}

const headerSize = 0x50

func readHeader(data []byte) Header {
	var h Header
	for i, f := range []*uint64{
		&h.HeaderSize, &h.DirHashTableOffset, &h.DirHashTableSize,
		&h.DirMetaTableOffset, &h.DirMetaTableSize,
		&h.FileHashTableOffset, &h.FileHashTableSize,
		&h.FileMetaTableOffset, &h.FileMetaTableSize, &h.DataOffset,
	} {
		*f = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	return h
}

func writeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	for i, v := range []uint64{
		h.HeaderSize, h.DirHashTableOffset, h.DirHashTableSize,
		h.DirMetaTableOffset, h.DirMetaTableSize,
		h.FileHashTableOffset, h.FileHashTableSize,
		h.FileMetaTableOffset, h.FileMetaTableSize, h.DataOffset,
	} {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], v)
	}
	return buf
}

type dirEntry struct {
	parent, sibling, childDir, childFile, hash uint32
	name                                        string
}

const dirEntryHeaderSize = 24

func readDirEntry(table []byte, offset uint32) (dirEntry, uint32, error) {
	if int(offset)+dirEntryHeaderSize > len(table) {
		return dirEntry{}, 0, fmt.Errorf("%w: romfs dir entry out of range", ncaerr.ErrInvalidHeader)
	}
	e := dirEntry{
		parent:    binary.LittleEndian.Uint32(table[offset+0 : offset+4]),
		sibling:   binary.LittleEndian.Uint32(table[offset+4 : offset+8]),
		childDir:  binary.LittleEndian.Uint32(table[offset+8 : offset+12]),
		childFile: binary.LittleEndian.Uint32(table[offset+12 : offset+16]),
		hash:      binary.LittleEndian.Uint32(table[offset+16 : offset+20]),
	}
	nameLen := binary.LittleEndian.Uint32(table[offset+20 : offset+24])
	nameStart := offset + dirEntryHeaderSize
	if int(nameStart+nameLen) > len(table) {
		return dirEntry{}, 0, fmt.Errorf("%w: romfs dir name out of range", ncaerr.ErrInvalidHeader)
	}
	e.name = string(table[nameStart : nameStart+nameLen])
	entrySize := align4(dirEntryHeaderSize + nameLen)
	return e, entrySize, nil
}

type fileEntry struct {
	parent, sibling uint32
	offset, size    uint64
	hash            uint32
	name            string
}

const fileEntryHeaderSize = 32

func readFileEntry(table []byte, offset uint32) (fileEntry, uint32, error) {
	if int(offset)+fileEntryHeaderSize > len(table) {
		return fileEntry{}, 0, fmt.Errorf("%w: romfs file entry out of range", ncaerr.ErrInvalidHeader)
	}
	e := fileEntry{
		parent:  binary.LittleEndian.Uint32(table[offset+0 : offset+4]),
		sibling: binary.LittleEndian.Uint32(table[offset+4 : offset+8]),
		offset:  binary.LittleEndian.Uint64(table[offset+8 : offset+16]),
		size:    binary.LittleEndian.Uint64(table[offset+16 : offset+24]),
		hash:    binary.LittleEndian.Uint32(table[offset+24 : offset+28]),
	}
	nameLen := binary.LittleEndian.Uint32(table[offset+28 : offset+32])
	nameStart := offset + fileEntryHeaderSize
	if int(nameStart+nameLen) > len(table) {
		return fileEntry{}, 0, fmt.Errorf("%w: romfs file name out of range", ncaerr.ErrInvalidHeader)
	}
	e.name = string(table[nameStart : nameStart+nameLen])
	entrySize := align4(fileEntryHeaderSize + nameLen)
	return e, entrySize, nil
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

// node is one resolved tree entry, built once at Open time.
type node struct {
	name     string
	isDir    bool
	offset   int64
	size     int64
	children map[string]*node
}

// FileSystem is a parsed RomFs view over a verified section storage.
type FileSystem struct {
	data storage.Storage // the DataOffset-relative region
	root *node
}

// Open parses a RomFs image from data (ordinarily the section's
// integrity-verified storage).
func Open(data storage.Storage) (*FileSystem, error) {
	headerBuf := make([]byte, headerSize)
	if _, err := data.ReadAt(headerBuf, 0); err != nil {
		return nil, err
	}
	h := readHeader(headerBuf)

	dirTable := make([]byte, h.DirMetaTableSize)
	if _, err := data.ReadAt(dirTable, int64(h.DirMetaTableOffset)); err != nil {
		return nil, err
	}
	fileTable := make([]byte, h.FileMetaTableSize)
	if _, err := data.ReadAt(fileTable, int64(h.FileMetaTableOffset)); err != nil {
		return nil, err
	}

	root, err := parseDirNode(dirTable, fileTable, 0, "")
	if err != nil {
		return nil, err
	}

	return &FileSystem{
		data: storage.NewSliceStorage(data, int64(h.DataOffset), data.Size()-int64(h.DataOffset)),
		root: root,
	}, nil
}

func parseDirNode(dirTable, fileTable []byte, offset uint32, name string) (*node, error) {
	e, _, err := readDirEntry(dirTable, offset)
	if err != nil {
		return nil, err
	}
	n := &node{name: name, isDir: true, children: make(map[string]*node)}

	for childOff := e.childDir; childOff != sentinel; {
		de, _, err := readDirEntry(dirTable, childOff)
		if err != nil {
			return nil, err
		}
		child, err := parseDirNode(dirTable, fileTable, childOff, de.name)
		if err != nil {
			return nil, err
		}
		n.children[de.name] = child
		childOff = de.sibling
	}
	for childOff := e.childFile; childOff != sentinel; {
		fe, _, err := readFileEntry(fileTable, childOff)
		if err != nil {
			return nil, err
		}
		n.children[fe.name] = &node{
			name:   fe.name,
			offset: int64(fe.offset),
			size:   int64(fe.size),
		}
		childOff = fe.sibling
	}
	return n, nil
}

func (fs *FileSystem) resolve(p string) (*node, error) {
	p = strings.Trim(p, "/")
	n := fs.root
	if p == "" {
		return n, nil
	}
	for _, part := range strings.Split(p, "/") {
		child, ok := n.children[part]
		if !ok {
			return nil, fmt.Errorf("romfs: %q not found", p)
		}
		n = child
	}
	return n, nil
}

// Open returns the named file.
func (fs *FileSystem) Open(p string) (vfs.File, error) {
	n, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if n.isDir {
		return nil, fmt.Errorf("romfs: %q is a directory", p)
	}
	return storage.NewSliceStorage(fs.data, n.offset, n.size), nil
}

// Enumerate lists the direct children of the directory at path
// matching glob.
func (fs *FileSystem) Enumerate(p, glob string) ([]vfs.Entry, error) {
	n, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, fmt.Errorf("romfs: %q is not a directory", p)
	}
	out := make([]vfs.Entry, 0, len(n.children))
	for name, child := range n.children {
		if glob != "" && glob != "*" {
			if ok, err := path.Match(glob, name); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
		}
		out = append(out, vfs.Entry{Path: path.Join(p, name), IsDir: child.isDir, Size: child.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
