package header

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FormatType is the section's filesystem family.
type FormatType uint8

const (
	FormatRomFs FormatType = iota
	FormatPartitionFs
)

// HashType selects which of IvfcInfo/Sha256Info occupies the FsHeader's
// hash-info region.
type HashType uint8

const (
	HashNone HashType = iota
	HashSha256
	HashIvfc
)

// EncryptionType selects the per-section cipher.
type EncryptionType uint8

const (
	EncryptionNone EncryptionType = iota
	EncryptionXtsOld
	EncryptionAesCtr
	EncryptionAesCtrEx
	EncryptionAesCtrSkipLayerHash
	EncryptionAesCtrExSkipLayerHash
)

// IsPatch reports whether this encryption type carries a PatchInfo
// bucket tree (AES-CTR-EX family).
func (e EncryptionType) IsPatch() bool {
	return e == EncryptionAesCtrEx || e == EncryptionAesCtrExSkipLayerHash
}

const ivfcLevelCount = 6

// IvfcLevel is one level of an IVFC hash tree (§4.6).
type IvfcLevel struct {
	Offset        uint64
	Size          uint64
	BlockSizeLog2 uint32
	Reserved      uint32
}

// IvfcInfo is the multi-level hash tree descriptor (§3, §4.6).
type IvfcInfo struct {
	Magic          [4]byte
	Version        uint32
	MasterHashSize uint32
	Levels         [ivfcLevelCount]IvfcLevel
	MasterHash     [0x20]byte
}

// Sha256Info is the single-level hash tree descriptor used by
// PartitionFs sections (§3, §4.6).
type Sha256Info struct {
	MasterHash      [0x20]byte
	BlockSize       uint32
	HashTableOffset uint64
	HashTableSize   uint64
	DataOffset      uint64
	DataSize        uint64
}

// BktrHeader is one bucket-tree header within PatchInfo: the indirect
// storage ("relocation") tree or the AES-CTR-EX ("subsection") tree.
type BktrHeader struct {
	Offset     uint64
	Size       uint64
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
	Reserved   uint32
}

// PatchInfo carries the two bucket trees an AES-CTR-EX patch section
// needs: IndirectTree selects base-vs-patch bytes, SubsectionTree
// overrides the AES-CTR generation id per extent (§4.7).
type PatchInfo struct {
	IndirectTree  BktrHeader
	SubsectionTree BktrHeader
}

// Empty reports whether both bucket trees are zeroed, i.e. this
// section carries no patch composition.
func (p PatchInfo) Empty() bool {
	var zero BktrHeader
	return p.IndirectTree == zero && p.SubsectionTree == zero
}

// FsHeader is one section's metadata block (§3, §4.3, §4.6, §4.7). The
// hash-info region is a tagged variant selected by HashType: exactly
// one of Ivfc/Sha256 is meaningful. PatchInfo is only meaningful when
// EncryptionType.IsPatch() is true.
type FsHeader struct {
	Version        uint16
	Format         FormatType
	HashType       HashType
	EncryptionType EncryptionType

	Ivfc   IvfcInfo
	Sha256 Sha256Info

	Patch PatchInfo

	Counter [8]byte // section IV base, big-endian high word of the AES-CTR counter
}

func parseFsHeader(data []byte) (*FsHeader, error) {
	if len(data) != fsHeaderSize {
		return nil, fmt.Errorf("fs header must be %#x bytes, got %#x", fsHeaderSize, len(data))
	}
	var h FsHeader
	h.Version = binary.LittleEndian.Uint16(data[0x00:0x02])
	h.Format = FormatType(data[0x02])
	h.HashType = HashType(data[0x03])
	h.EncryptionType = EncryptionType(data[0x04])

	hashRegion := data[0x08 : 0x08+hashInfoRegion]
	switch h.HashType {
	case HashIvfc:
		if err := readIvfc(hashRegion, &h.Ivfc); err != nil {
			return nil, err
		}
	case HashSha256:
		if err := readSha256Info(hashRegion, &h.Sha256); err != nil {
			return nil, err
		}
	}

	patchRegion := data[0x100:0x140]
	if err := binary.Read(bytes.NewReader(patchRegion), binary.LittleEndian, &h.Patch); err != nil {
		return nil, err
	}

	copy(h.Counter[:], data[0x140:0x148])

	return &h, nil
}

func emitFsHeader(h *FsHeader) ([]byte, error) {
	data := make([]byte, fsHeaderSize)
	binary.LittleEndian.PutUint16(data[0x00:0x02], h.Version)
	data[0x02] = byte(h.Format)
	data[0x03] = byte(h.HashType)
	data[0x04] = byte(h.EncryptionType)

	hashRegion := data[0x08 : 0x08+hashInfoRegion]
	switch h.HashType {
	case HashIvfc:
		if err := writeIvfc(hashRegion, &h.Ivfc); err != nil {
			return nil, err
		}
	case HashSha256:
		if err := writeSha256Info(hashRegion, &h.Sha256); err != nil {
			return nil, err
		}
	}

	var patchBuf bytes.Buffer
	if err := binary.Write(&patchBuf, binary.LittleEndian, &h.Patch); err != nil {
		return nil, err
	}
	copy(data[0x100:0x140], patchBuf.Bytes())

	copy(data[0x140:0x148], h.Counter[:])

	return data, nil
}

func readIvfc(region []byte, out *IvfcInfo) error {
	r := bytes.NewReader(region)
	if err := binary.Read(r, binary.LittleEndian, &out.Magic); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &out.Version); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &out.MasterHashSize); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &out.Levels); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &out.MasterHash)
}

func writeIvfc(region []byte, in *IvfcInfo) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &in.Magic); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &in.Version); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &in.MasterHashSize); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &in.Levels); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &in.MasterHash); err != nil {
		return err
	}
	copy(region, buf.Bytes())
	return nil
}

func readSha256Info(region []byte, out *Sha256Info) error {
	return binary.Read(bytes.NewReader(region), binary.LittleEndian, out)
}

func writeSha256Info(region []byte, in *Sha256Info) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, in); err != nil {
		return err
	}
	copy(region, buf.Bytes())
	return nil
}
