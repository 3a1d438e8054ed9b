package header

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/falk/ncago/pkg/cryptoprim"
)

func testHeaderKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestEmitParseRoundTrip(t *testing.T) {
	key := testHeaderKey(t)

	var h Header
	h.Magic = MagicNCA3
	h.ContentType = ContentProgram
	h.TitleID = 0x0100000000010000
	h.KeyGeneration = 3
	h.KeyGeneration2 = 5
	h.ContentIndex = 1
	h.SdkVersion = 0x000D0000

	h.Sections[0] = SectionEntry{StartBlock: 6, EndBlock: 10}
	h.FsHeaders[0] = FsHeader{
		Format:         FormatPartitionFs,
		HashType:       HashSha256,
		EncryptionType: EncryptionAesCtr,
		Sha256: Sha256Info{
			BlockSize:     0x1000,
			DataOffset:    0x200,
			DataSize:      0x400,
			HashTableSize: 0x20,
		},
		Counter: [8]byte{0, 0, 0, 0, 0, 0, 0, 1},
	}

	enc, err := Emit(&h, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != StructSize {
		t.Fatalf("Emit: got %d bytes, want %d", len(enc), StructSize)
	}

	parsed, err := Parse(enc, key)
	if err != nil {
		t.Fatal(err)
	}

	if parsed.TitleID != h.TitleID {
		t.Errorf("TitleID: got %#x, want %#x", parsed.TitleID, h.TitleID)
	}
	if parsed.ContentType != h.ContentType {
		t.Errorf("ContentType: got %d, want %d", parsed.ContentType, h.ContentType)
	}
	if parsed.Sections[0] != h.Sections[0] {
		t.Errorf("Sections[0]: got %+v, want %+v", parsed.Sections[0], h.Sections[0])
	}
	if parsed.FsHeaders[0].Sha256 != h.FsHeaders[0].Sha256 {
		t.Errorf("FsHeaders[0].Sha256: got %+v, want %+v", parsed.FsHeaders[0].Sha256, h.FsHeaders[0].Sha256)
	}
	if parsed.FsHeaderHashes[0] == ([0x20]byte{}) {
		t.Error("Emit should have populated FsHeaderHashes[0] for the enabled section")
	}
}

func TestEmitParseRoundTripPreservesReservedRegionsByte(t *testing.T) {
	key := testHeaderKey(t)

	var h Header
	h.Magic = MagicNCA3
	h.ContentType = ContentProgram
	h.TitleID = 0x0100000000010000
	h.Sections[0] = SectionEntry{StartBlock: 6, EndBlock: 10}
	h.FsHeaders[0] = FsHeader{Format: FormatPartitionFs, HashType: HashSha256, EncryptionType: EncryptionAesCtr}
	for i := range h.Reserved1 {
		h.Reserved1[i] = byte(0xA0 + i)
	}
	for i := range h.Reserved2 {
		h.Reserved2[i] = byte(i)
	}

	enc, err := Emit(&h, key)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := Parse(enc, key)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Reserved1 != h.Reserved1 {
		t.Errorf("Reserved1: got %v, want %v", parsed.Reserved1, h.Reserved1)
	}
	if parsed.Reserved2 != h.Reserved2 {
		t.Errorf("Reserved2: got %v, want %v", parsed.Reserved2, h.Reserved2)
	}

	reEmitted, err := Emit(parsed, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(enc, reEmitted) {
		t.Error("emit(parse(b)) should equal b byte-for-byte, including reserved regions")
	}
}

func TestParseRejectsWrongSize(t *testing.T) {
	key := testHeaderKey(t)
	if _, err := Parse(make([]byte, StructSize-1), key); err == nil {
		t.Fatal("expected error for undersized header buffer")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	key := testHeaderKey(t)
	var h Header
	h.Magic = Magic{'X', 'X', 'X', 'X'}
	enc, err := Emit(&h, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(enc, key); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestParseRejectsTamperedFsHeaderHash(t *testing.T) {
	key := testHeaderKey(t)
	var h Header
	h.Magic = MagicNCA3
	h.Sections[0] = SectionEntry{StartBlock: 1, EndBlock: 2}
	enc, err := Emit(&h, key)
	if err != nil {
		t.Fatal(err)
	}

	xc, err := cryptoprim.NewXTSCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	plain := make([]byte, StructSize)
	if err := xc.DecryptSectors(plain, enc, 0); err != nil {
		t.Fatal(err)
	}
	// Corrupt the FsHeader 0 region without updating its stored hash.
	plain[fsHeaderBase] ^= 0xFF
	tampered := make([]byte, StructSize)
	if err := xc.EncryptSectors(tampered, plain, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := Parse(tampered, key); err == nil {
		t.Fatal("expected error for tampered fs header hash")
	}
}

func TestKeyGenerationEffective(t *testing.T) {
	cases := []struct {
		gen1, gen2 uint8
		want       uint8
	}{
		{0, 0, 0},
		{3, 0, 3},
		{0, 4, 4},
		{5, 2, 5},
	}
	for _, c := range cases {
		h := Header{KeyGeneration: c.gen1, KeyGeneration2: c.gen2}
		if got := h.KeyGenerationEffective(); got != c.want {
			t.Errorf("KeyGenerationEffective(%d, %d) = %d, want %d", c.gen1, c.gen2, got, c.want)
		}
	}
}

func TestMasterKeyRevision(t *testing.T) {
	if got := (&Header{}).MasterKeyRevision(); got != 0 {
		t.Errorf("gen 0: got %d, want 0", got)
	}
	h := &Header{KeyGeneration: 4}
	if got := h.MasterKeyRevision(); got != 3 {
		t.Errorf("gen 4: got %d, want 3", got)
	}
}

func TestSectionKindOf(t *testing.T) {
	prog := &Header{ContentType: ContentProgram}
	if prog.SectionKindOf(0) != SectionExeFS {
		t.Error("program section 0 should be ExeFS")
	}
	if prog.SectionKindOf(1) != SectionRomFS {
		t.Error("program section 1 should be RomFS")
	}
	if prog.SectionKindOf(2) != SectionLogo {
		t.Error("program section 2 should be Logo")
	}
	if prog.SectionKindOf(3) != SectionUnused {
		t.Error("program section 3 should be unused")
	}

	meta := &Header{ContentType: ContentMeta}
	if meta.SectionKindOf(0) != SectionCnmtPFS {
		t.Error("meta section 0 should be CnmtPFS")
	}

	control := &Header{ContentType: ContentControl}
	if control.SectionKindOf(0) != SectionRomFS {
		t.Error("control section 0 should be RomFS")
	}
}

func TestSectionEntryEnabledAndGeometry(t *testing.T) {
	disabled := SectionEntry{}
	if disabled.Enabled() {
		t.Error("zero section entry should be disabled")
	}
	e := SectionEntry{StartBlock: 2, EndBlock: 5}
	if !e.Enabled() {
		t.Error("expected enabled")
	}
	if e.Offset() != 2*BlockSize {
		t.Errorf("Offset: got %d", e.Offset())
	}
	if e.ByteSize() != 3*BlockSize {
		t.Errorf("ByteSize: got %d", e.ByteSize())
	}
}

func TestPatchInfoEmpty(t *testing.T) {
	var p PatchInfo
	if !p.Empty() {
		t.Error("zero PatchInfo should be Empty")
	}
	p.IndirectTree.EntryCount = 1
	if p.Empty() {
		t.Error("non-zero PatchInfo should not be Empty")
	}
}

func TestEncryptionTypeIsPatch(t *testing.T) {
	if !EncryptionAesCtrEx.IsPatch() {
		t.Error("AesCtrEx should be a patch encryption type")
	}
	if !EncryptionAesCtrExSkipLayerHash.IsPatch() {
		t.Error("AesCtrExSkipLayerHash should be a patch encryption type")
	}
	if EncryptionAesCtr.IsPatch() {
		t.Error("AesCtr should not be a patch encryption type")
	}
}

func TestDecryptHeaderBytesMatchesParseInput(t *testing.T) {
	key := testHeaderKey(t)
	var h Header
	h.Magic = MagicNCA3
	enc, err := Emit(&h, key)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := DecryptHeaderBytes(enc, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain[0x200:0x204], h.Magic[:]) {
		t.Error("DecryptHeaderBytes did not yield the expected plaintext magic")
	}
}
