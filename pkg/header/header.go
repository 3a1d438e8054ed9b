// Package header decodes and encodes the 0xC00-byte NCA header and its
// four FsHeader entries (§4.3 / C3).
package header

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/falk/ncago/pkg/cryptoprim"
	"github.com/falk/ncago/pkg/ncaerr"
)

const (
	// StructSize is the size of the encrypted/decrypted NCA header.
	StructSize = 0xC00
	// BlockSize is the media unit NCA section offsets/sizes are
	// expressed in.
	BlockSize = 0x200

	fsHeaderSize   = 0x200
	fsHeaderBase   = 0x400
	sectionBase    = 0x240
	fsHashBase     = 0x280
	keyAreaBase    = 0x300
	hashInfoRegion = 0xF8
)

// Magic identifies the header layout version.
type Magic [4]byte

func (m Magic) String() string { return string(m[:]) }

var (
	MagicNCA3 = Magic{'N', 'C', 'A', '3'}
	MagicNCA2 = Magic{'N', 'C', 'A', '2'}
	MagicNCA0 = Magic{'N', 'C', 'A', '0'}
)

// ContentType is the top-level content classification of an NCA.
type ContentType uint8

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

// SectionEntry records the media-unit-addressed byte range of one
// section. Per spec, a section whose start and end blocks are both
// zero is disabled and reads as zero blocks.
type SectionEntry struct {
	StartBlock uint32
	EndBlock   uint32
	reserved1  uint32
	reserved2  uint32
}

// Enabled reports whether this section carries real content.
func (e SectionEntry) Enabled() bool { return e.EndBlock > e.StartBlock }

// Offset is the section's byte offset within the NCA file.
func (e SectionEntry) Offset() int64 { return int64(e.StartBlock) * BlockSize }

// ByteSize is the section's byte length.
func (e SectionEntry) ByteSize() int64 {
	return int64(e.EndBlock-e.StartBlock) * BlockSize
}

// Header is the parsed, decrypted NCA header (§3, §6).
type Header struct {
	FixedKeySig [0x100]byte
	NpdmSig     [0x100]byte

	Magic          Magic
	DistType       uint8
	ContentType    ContentType
	KeyGeneration  uint8 // "old" field at 0x206
	KeyAreaKeyIdx  uint8
	ContentSize    uint64
	TitleID        uint64
	ContentIndex   uint32
	SdkVersion     uint32
	KeyGeneration2 uint8 // "new" field at 0x220, preferred when larger
	Reserved1      [0xF]byte // 0x221:0x230, carried through verbatim so Emit(Parse(b)) round-trips
	RightsID       [0x10]byte

	Sections       [4]SectionEntry
	FsHeaderHashes [4][0x20]byte
	EncryptedKeys  [4][0x10]byte
	Reserved2      [0xC0]byte // 0x340:0x400, carried through verbatim so Emit(Parse(b)) round-trips

	FsHeaders [4]FsHeader
}

// HasRightsID reports whether the NCA is title-key-encrypted.
func (h *Header) HasRightsID() bool {
	var zero [0x10]byte
	return h.RightsID != zero
}

// KeyGenerationEffective returns max(KeyGeneration, KeyGeneration2), the
// rule both duplicated fields are resolved by (§4.4 step 1, §9).
func (h *Header) KeyGenerationEffective() uint8 {
	if h.KeyGeneration2 > h.KeyGeneration {
		return h.KeyGeneration2
	}
	return h.KeyGeneration
}

// MasterKeyRevision is max(0, KeyGenerationEffective-1).
func (h *Header) MasterKeyRevision() int {
	gen := int(h.KeyGenerationEffective())
	if gen == 0 {
		return 0
	}
	return gen - 1
}

// SectionKind classifies what a section index means for a given content
// type, per §3's "Section index ↔ type mapping".
type SectionKind int

const (
	SectionUnused SectionKind = iota
	SectionExeFS
	SectionRomFS
	SectionLogo
	SectionCnmtPFS
)

// SectionKindOf returns the meaning of section index i for this NCA's
// content type.
func (h *Header) SectionKindOf(i int) SectionKind {
	switch h.ContentType {
	case ContentProgram:
		switch i {
		case 0:
			return SectionExeFS
		case 1:
			return SectionRomFS
		case 2:
			return SectionLogo
		}
	case ContentMeta:
		if i == 0 {
			return SectionCnmtPFS
		}
	case ContentControl, ContentManual, ContentData, ContentPublicData:
		if i == 0 {
			return SectionRomFS
		}
	}
	return SectionUnused
}

// Parse decrypts and parses an NCA header from its encrypted 0xC00-byte
// form, given the platform header key (§4.3).
func Parse(encrypted []byte, headerKey []byte) (*Header, error) {
	if len(encrypted) != StructSize {
		return nil, fmt.Errorf("%w: header must be %#x bytes, got %#x", ncaerr.ErrInvalidHeader, StructSize, len(encrypted))
	}

	xc, err := cryptoprim.NewXTSCipher(headerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncaerr.ErrMissingDecryptionKey, err)
	}

	plain := make([]byte, StructSize)
	if err := xc.DecryptSectors(plain, encrypted, 0); err != nil {
		return nil, fmt.Errorf("%w: header decrypt: %v", ncaerr.ErrInvalidHeader, err)
	}

	return parsePlain(plain)
}

// DecryptHeaderBytes returns the plaintext 0xC00-byte header buffer
// without parsing it, for callers (signature verification) that need
// the raw bytes a signature covers rather than the parsed struct.
func DecryptHeaderBytes(encrypted []byte, headerKey []byte) ([]byte, error) {
	if len(encrypted) != StructSize {
		return nil, fmt.Errorf("%w: header must be %#x bytes, got %#x", ncaerr.ErrInvalidHeader, StructSize, len(encrypted))
	}
	xc, err := cryptoprim.NewXTSCipher(headerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncaerr.ErrMissingDecryptionKey, err)
	}
	plain := make([]byte, StructSize)
	if err := xc.DecryptSectors(plain, encrypted, 0); err != nil {
		return nil, fmt.Errorf("%w: header decrypt: %v", ncaerr.ErrInvalidHeader, err)
	}
	return plain, nil
}

func parsePlain(plain []byte) (*Header, error) {
	var h Header
	copy(h.FixedKeySig[:], plain[0x000:0x100])
	copy(h.NpdmSig[:], plain[0x100:0x200])
	copy(h.Magic[:], plain[0x200:0x204])

	if h.Magic != MagicNCA3 && h.Magic != MagicNCA2 && h.Magic != MagicNCA0 {
		return nil, fmt.Errorf("%w: bad magic %q", ncaerr.ErrInvalidHeader, h.Magic.String())
	}

	h.DistType = plain[0x204]
	h.ContentType = ContentType(plain[0x205])
	h.KeyGeneration = plain[0x206]
	h.KeyAreaKeyIdx = plain[0x207]
	h.ContentSize = binary.LittleEndian.Uint64(plain[0x208:0x210])
	h.TitleID = binary.LittleEndian.Uint64(plain[0x210:0x218])
	h.ContentIndex = binary.LittleEndian.Uint32(plain[0x218:0x21C])
	h.SdkVersion = binary.LittleEndian.Uint32(plain[0x21C:0x220])
	h.KeyGeneration2 = plain[0x220]
	copy(h.Reserved1[:], plain[0x221:0x230])
	copy(h.RightsID[:], plain[0x230:0x240])

	for i := 0; i < 4; i++ {
		off := sectionBase + i*0x10
		h.Sections[i] = SectionEntry{
			StartBlock: binary.LittleEndian.Uint32(plain[off : off+4]),
			EndBlock:   binary.LittleEndian.Uint32(plain[off+4 : off+8]),
			reserved1:  binary.LittleEndian.Uint32(plain[off+8 : off+12]),
			reserved2:  binary.LittleEndian.Uint32(plain[off+12 : off+16]),
		}
	}
	for i := 0; i < 4; i++ {
		copy(h.FsHeaderHashes[i][:], plain[fsHashBase+i*0x20:fsHashBase+(i+1)*0x20])
	}
	for i := 0; i < 4; i++ {
		copy(h.EncryptedKeys[i][:], plain[keyAreaBase+i*0x10:keyAreaBase+(i+1)*0x10])
	}
	copy(h.Reserved2[:], plain[0x340:0x400])

	for i := 0; i < 4; i++ {
		start := fsHeaderBase + i*fsHeaderSize
		fsh, err := parseFsHeader(plain[start : start+fsHeaderSize])
		if err != nil {
			return nil, fmt.Errorf("%w: fs header %d: %v", ncaerr.ErrInvalidHeader, i, err)
		}
		h.FsHeaders[i] = *fsh

		if h.Sections[i].Enabled() {
			got := cryptoprim.Sha256(plain[start : start+fsHeaderSize])
			if !bytes.Equal(got[:], h.FsHeaderHashes[i][:]) {
				return nil, fmt.Errorf("%w: fs header %d hash mismatch", ncaerr.ErrInvalidHeader, i)
			}
		}
	}

	for i := 0; i < 4; i++ {
		e := h.Sections[i]
		if e.Enabled() && e.StartBlock > e.EndBlock {
			return nil, fmt.Errorf("%w: section %d start %d > end %d", ncaerr.ErrInvalidHeader, i, e.StartBlock, e.EndBlock)
		}
	}

	return &h, nil
}

// Emit serializes h and re-encrypts it with headerKey, recomputing each
// enabled FsHeader's SHA-256 digest into the main header first (§4.3).
func Emit(h *Header, headerKey []byte) ([]byte, error) {
	plain := make([]byte, StructSize)

	copy(plain[0x000:0x100], h.FixedKeySig[:])
	copy(plain[0x100:0x200], h.NpdmSig[:])
	copy(plain[0x200:0x204], h.Magic[:])
	plain[0x204] = h.DistType
	plain[0x205] = byte(h.ContentType)
	plain[0x206] = h.KeyGeneration
	plain[0x207] = h.KeyAreaKeyIdx
	binary.LittleEndian.PutUint64(plain[0x208:0x210], h.ContentSize)
	binary.LittleEndian.PutUint64(plain[0x210:0x218], h.TitleID)
	binary.LittleEndian.PutUint32(plain[0x218:0x21C], h.ContentIndex)
	binary.LittleEndian.PutUint32(plain[0x21C:0x220], h.SdkVersion)
	plain[0x220] = h.KeyGeneration2
	copy(plain[0x221:0x230], h.Reserved1[:])
	copy(plain[0x230:0x240], h.RightsID[:])

	var secBuf bytes.Buffer
	if err := binary.Write(&secBuf, binary.LittleEndian, &h.Sections); err != nil {
		return nil, err
	}
	copy(plain[sectionBase:fsHashBase], secBuf.Bytes())

	for i := 0; i < 4; i++ {
		copy(plain[keyAreaBase+i*0x10:keyAreaBase+(i+1)*0x10], h.EncryptedKeys[i][:])
	}
	copy(plain[0x340:0x400], h.Reserved2[:])

	for i := 0; i < 4; i++ {
		start := fsHeaderBase + i*fsHeaderSize
		fsBytes, err := emitFsHeader(&h.FsHeaders[i])
		if err != nil {
			return nil, fmt.Errorf("fs header %d: %w", i, err)
		}
		copy(plain[start:start+fsHeaderSize], fsBytes)

		if h.Sections[i].Enabled() {
			digest := cryptoprim.Sha256(fsBytes)
			h.FsHeaderHashes[i] = digest
		}
		copy(plain[fsHashBase+i*0x20:fsHashBase+(i+1)*0x20], h.FsHeaderHashes[i][:])
	}

	if h.Magic == (Magic{}) {
		h.Magic = MagicNCA3
	}
	copy(plain[0x200:0x204], h.Magic[:])

	xc, err := cryptoprim.NewXTSCipher(headerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ncaerr.ErrMissingDecryptionKey, err)
	}
	out := make([]byte, StructSize)
	if err := xc.EncryptSectors(out, plain, 0); err != nil {
		return nil, fmt.Errorf("header encrypt: %w", err)
	}
	return out, nil
}
