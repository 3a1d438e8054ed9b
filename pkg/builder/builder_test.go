package builder

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/falk/ncago/pkg/bucket"
	"github.com/falk/ncago/pkg/cnmt"
	"github.com/falk/ncago/pkg/cryptoprim"
	"github.com/falk/ncago/pkg/header"
	"github.com/falk/ncago/pkg/integrity"
	"github.com/falk/ncago/pkg/keys"
	"github.com/falk/ncago/pkg/nca"
	"github.com/falk/ncago/pkg/ncaerr"
	"github.com/falk/ncago/pkg/pfs0"
	"github.com/falk/ncago/pkg/storage"
)

// testBucketHeaderSize mirrors pkg/bucket's unexported bucketHeaderSize:
// padding(4) + bucket count(4) + total size(8) + per-bucket base offset
// table (0x3FF0), a fixed preamble every bucket-tree blob carries.
const testBucketHeaderSize = 16 + 0x3FF0

// buildBucketTreeData lays out a single-bucket tree holding entries, in
// the on-disk shape bucket.walkBuckets expects.
func buildBucketTreeData(virtualOffsets []uint64, entryData [][8]byte) []byte {
	buf := make([]byte, testBucketHeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], 1) // one bucket

	bucketHeader := make([]byte, 16)
	binary.LittleEndian.PutUint32(bucketHeader[4:8], uint32(len(virtualOffsets)))

	entries := make([]byte, 0, len(virtualOffsets)*16)
	for i, vo := range virtualOffsets {
		row := make([]byte, 16)
		binary.LittleEndian.PutUint64(row[0:8], vo)
		copy(row[8:16], entryData[i][:])
		entries = append(entries, row...)
	}

	out := append(append([]byte(nil), buf...), bucketHeader...)
	out = append(out, entries...)
	return out
}

func indirectEntryBytes(phys uint64, selector byte) [8]byte {
	var physBytes [8]byte
	binary.LittleEndian.PutUint64(physBytes[:], phys)
	var d [8]byte
	copy(d[:7], physBytes[:7])
	d[7] = selector
	return d
}

func ctrExEntryBytes(generation uint32) [8]byte {
	var d [8]byte
	binary.LittleEndian.PutUint32(d[4:8], generation)
	return d
}

// standardKeys builds a fresh KeySet with a random header key and a
// random key-area key at generation 0/Application, returning the
// content/ctr key pair an NCA built against it should use.
func standardKeys(t *testing.T) (ks *keys.KeySet, contentKey, ctrKey [16]byte, keyAreaKeyIdx uint8) {
	t.Helper()
	ks = keys.New()
	var headerKey [32]byte
	if _, err := rand.Read(headerKey[:]); err != nil {
		t.Fatal(err)
	}
	ks.HeaderKey = headerKey

	if _, err := rand.Read(contentKey[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(ctrKey[:]); err != nil {
		t.Fatal(err)
	}
	var kak [16]byte
	if _, err := rand.Read(kak[:]); err != nil {
		t.Fatal(err)
	}
	ks.SetKeyAreaKey(0, keys.KeyAreaApplication, kak)
	return ks, contentKey, ctrKey, uint8(keys.KeyAreaApplication)
}

func wrapKeyArea(t *testing.T, ks *keys.KeySet, contentKey, ctrKey [16]byte) [4][0x10]byte {
	t.Helper()
	var kak [16]byte
	k, err := ks.KeyAreaKey(0, keys.KeyAreaApplication)
	if err != nil {
		t.Fatal(err)
	}
	kak = k

	keyArea := make([]byte, 0x40)
	copy(keyArea[0x20:0x30], contentKey[:])
	copy(keyArea[0x30:0x40], ctrKey[:])
	enc, err := cryptoprim.ECBEncrypt(keyArea, kak[:])
	if err != nil {
		t.Fatal(err)
	}
	var out [4][0x10]byte
	for i := 0; i < 4; i++ {
		copy(out[i][:], enc[i*0x10:(i+1)*0x10])
	}
	return out
}

// buildBaseRomFSNCA builds a single-section (index 1, RomFS,
// EncryptionNone) Program NCA whose raw decrypted content is exactly
// content, with no hashing and no patch info.
func buildBaseRomFSNCA(t *testing.T, content []byte) (storage.Storage, *keys.KeySet, *keys.ExternalKeySet) {
	t.Helper()
	ks, contentKey, ctrKey, kakIdx := standardKeys(t)

	var h header.Header
	h.Magic = header.MagicNCA3
	h.ContentType = header.ContentProgram
	h.KeyAreaKeyIdx = kakIdx
	h.EncryptedKeys = wrapKeyArea(t, ks, contentKey, ctrKey)

	padded := padToBlock(content)
	startBlock := uint32(header.StructSize / header.BlockSize)
	endBlock := startBlock + uint32(int64(len(padded))/header.BlockSize)
	h.Sections[1] = header.SectionEntry{StartBlock: startBlock, EndBlock: endBlock}
	h.FsHeaders[1] = header.FsHeader{
		Format:         header.FormatRomFs,
		HashType:       header.HashNone,
		EncryptionType: header.EncryptionNone,
	}

	encHeader, err := header.Emit(&h, ks.HeaderKey[:])
	if err != nil {
		t.Fatal(err)
	}
	full := append(append([]byte(nil), encHeader...), padded...)
	return storage.NewMemoryStorage(full), ks, keys.NewExternalKeySet()
}

func padToBlock(b []byte) []byte {
	out := append([]byte(nil), b...)
	for int64(len(out))%header.BlockSize != 0 {
		out = append(out, 0)
	}
	return out
}

// buildPatchRomFSNCA builds a single-section (index 1, RomFS,
// AES-CTR-EX) Program NCA that patches a 32-byte base extent [0,32)
// with a 32-byte payload at virtual [32,64), entirely through a real
// on-disk IndirectTree/CtrExTree pair. The subsection (CtrExTree)
// carries one generation-0 extent spanning the whole raw section, so
// it decrypts identically to the plain AES-CTR metaStream view the
// bucket trees themselves are read through.
func buildPatchRomFSNCA(t *testing.T, payload []byte) (storage.Storage, *keys.KeySet, *keys.ExternalKeySet) {
	t.Helper()
	ks, contentKey, ctrKey, kakIdx := standardKeys(t)

	subsection := buildBucketTreeData(
		[]uint64{0, 0}, // second offset patched below once fullRawSize is known
		[][8]byte{ctrExEntryBytes(0), ctrExEntryBytes(0)},
	)
	indirect := buildBucketTreeData(
		[]uint64{0, 32, 64},
		[][8]byte{
			indirectEntryBytes(0, byte(bucket.SourceBase)),
			indirectEntryBytes(0, byte(bucket.SourcePatch)), // physOffset patched below
			indirectEntryBytes(0, byte(bucket.SourceBase)),  // sentinel, never resolved
		},
	)

	s1 := int64(len(subsection))
	s2 := int64(len(indirect))
	payloadOffset := s1 + s2
	unpadded := s1 + s2 + int64(len(payload))

	// Re-lay the subsection tree's sentinel entry now that the full
	// (unpadded) raw section size is known, and the indirect tree's
	// patch entry now that the payload's raw offset is known.
	padded := padToBlock(make([]byte, unpadded))
	fullRawSize := int64(len(padded))

	subsection = buildBucketTreeData(
		[]uint64{0, uint64(fullRawSize)},
		[][8]byte{ctrExEntryBytes(0), ctrExEntryBytes(0)},
	)
	indirect = buildBucketTreeData(
		[]uint64{0, 32, 64},
		[][8]byte{
			indirectEntryBytes(0, byte(bucket.SourceBase)),
			indirectEntryBytes(uint64(payloadOffset), byte(bucket.SourcePatch)),
			indirectEntryBytes(0, byte(bucket.SourceBase)),
		},
	)
	if int64(len(subsection)) != s1 || int64(len(indirect)) != s2 {
		t.Fatal("bucket tree size changed on re-lay")
	}

	plain := make([]byte, fullRawSize)
	copy(plain[0:s1], subsection)
	copy(plain[s1:s1+s2], indirect)
	copy(plain[payloadOffset:], payload)

	var counterIV [8]byte
	counterIV[7] = 7 // arbitrary nonzero low word; upper 32 bits of High left zero
	ctrCounter := cryptoprim.CounterFromSectionIV(counterIV)

	var h header.Header
	h.Magic = header.MagicNCA3
	h.ContentType = header.ContentProgram
	h.KeyAreaKeyIdx = kakIdx
	h.EncryptedKeys = wrapKeyArea(t, ks, contentKey, ctrKey)

	startBlock := uint32(header.StructSize / header.BlockSize)
	endBlock := startBlock + uint32(fullRawSize/header.BlockSize)
	sectionAbsOffset := int64(startBlock) * header.BlockSize

	// The tree region [0, s1+s2) is read back through metaStream, a
	// plain AES-CTR view based at the section's absolute file offset.
	treeCipher := make([]byte, s1+s2)
	copy(treeCipher, plain[:s1+s2])
	treeStream, err := cryptoprim.NewCTRStream(ctrKey[:], ctrCounter, sectionAbsOffset)
	if err != nil {
		t.Fatal(err)
	}
	treeStream.XORKeyStream(treeCipher, treeCipher)

	// The payload region is read back through AesCtrExStorage, whose
	// internal AES-CTR view is based at 0 (section-relative), not the
	// file-absolute offset: storage.AesCtrExStorage wraps its inner
	// reads with base=0, folding in only the raw-section-relative
	// position.
	payloadCipher := make([]byte, fullRawSize-payloadOffset)
	copy(payloadCipher, plain[payloadOffset:])
	payloadStream, err := cryptoprim.NewCTRStream(ctrKey[:], ctrCounter, payloadOffset)
	if err != nil {
		t.Fatal(err)
	}
	payloadStream.XORKeyStream(payloadCipher, payloadCipher)

	cipher := make([]byte, fullRawSize)
	copy(cipher[:s1+s2], treeCipher)
	copy(cipher[payloadOffset:], payloadCipher)

	h.Sections[1] = header.SectionEntry{StartBlock: startBlock, EndBlock: endBlock}
	h.FsHeaders[1] = header.FsHeader{
		Format:         header.FormatRomFs,
		HashType:       header.HashNone,
		EncryptionType: header.EncryptionAesCtrEx,
		Counter:        counterIV,
		Patch: header.PatchInfo{
			SubsectionTree: header.BktrHeader{Offset: 0, Size: uint64(s1)},
			IndirectTree:   header.BktrHeader{Offset: uint64(s1), Size: uint64(s2)},
		},
	}

	encHeader, err := header.Emit(&h, ks.HeaderKey[:])
	if err != nil {
		t.Fatal(err)
	}
	full := append(append([]byte(nil), encHeader...), cipher...)
	return storage.NewMemoryStorage(full), ks, keys.NewExternalKeySet()
}

func TestBuildMergedComposesIndirectRomFS(t *testing.T) {
	baseContent := bytes.Repeat([]byte("B"), 32)
	patchPayload := bytes.Repeat([]byte("P"), 32)

	baseFile, ksBase, extBase := buildBaseRomFSNCA(t, baseContent)
	patchFile, ksPatch, extPatch := buildPatchRomFSNCA(t, patchPayload)

	baseNCA, err := nca.OpenNCA(baseFile, ksBase, extBase)
	if err != nil {
		t.Fatalf("open base: %v", err)
	}
	defer baseNCA.Close()

	patchNCA, err := nca.OpenNCA(patchFile, ksPatch, extPatch)
	if err != nil {
		t.Fatalf("open patch: %v", err)
	}
	defer patchNCA.Close()

	merged, err := BuildMerged(ksBase, baseNCA, patchNCA)
	if err != nil {
		t.Fatalf("BuildMerged: %v", err)
	}

	mergedNCA, err := nca.OpenNCA(merged, ksBase, keys.NewExternalKeySet())
	if err != nil {
		t.Fatalf("open merged: %v", err)
	}
	defer mergedNCA.Close()

	romfs, err := mergedNCA.OpenRawStorage(1, false)
	if err != nil {
		t.Fatalf("open merged section 1: %v", err)
	}
	// Section extents are whole media blocks: the 64 merged bytes are
	// followed by zero padding up to one block.
	if romfs.Size() != header.BlockSize {
		t.Fatalf("merged RomFS size: got %d, want %d (one media block)", romfs.Size(), header.BlockSize)
	}
	got := make([]byte, 64)
	if _, err := romfs.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte(nil), baseContent...), patchPayload...)
	if !bytes.Equal(got, want) {
		t.Fatalf("merged RomFS content:\n got  %q\n want %q", got, want)
	}

	// The merged section must be self-contained: no encryption, no
	// dangling PatchInfo.
	fsh := mergedNCA.Header().FsHeaders[1]
	if fsh.EncryptionType != header.EncryptionNone {
		t.Errorf("merged section encryption type: got %d, want None", fsh.EncryptionType)
	}
	if !fsh.Patch.Empty() {
		t.Error("merged section should carry no patch info")
	}
}

func buildMetaNCA(t *testing.T, titleID uint64, cnmtName string, entries []cnmt.ContentEntry) (storage.Storage, *keys.KeySet, *keys.ExternalKeySet) {
	t.Helper()
	ks, contentKey, ctrKey, kakIdx := standardKeys(t)

	cnmtBytes := buildCnmtBytes(titleID, entries)
	pfs0Bytes := pfs0.Build([]pfs0.WriterEntry{{Name: cnmtName, Data: cnmtBytes}})
	table, master := integrity.BuildSha256Table(pfs0Bytes, 0x1000)
	content := append(append([]byte(nil), table...), pfs0Bytes...)
	padded := padToBlock(content)

	var h header.Header
	h.Magic = header.MagicNCA3
	h.ContentType = header.ContentMeta
	h.KeyAreaKeyIdx = kakIdx
	h.EncryptedKeys = wrapKeyArea(t, ks, contentKey, ctrKey)

	startBlock := uint32(header.StructSize / header.BlockSize)
	endBlock := startBlock + uint32(int64(len(padded))/header.BlockSize)
	h.Sections[0] = header.SectionEntry{StartBlock: startBlock, EndBlock: endBlock}
	h.FsHeaders[0] = header.FsHeader{
		Format:         header.FormatPartitionFs,
		HashType:       header.HashSha256,
		EncryptionType: header.EncryptionNone,
		Sha256: header.Sha256Info{
			MasterHash:      master,
			BlockSize:       0x1000,
			HashTableOffset: 0,
			HashTableSize:   uint64(len(table)),
			DataOffset:      uint64(len(table)),
			DataSize:        uint64(len(pfs0Bytes)),
		},
	}

	encHeader, err := header.Emit(&h, ks.HeaderKey[:])
	if err != nil {
		t.Fatal(err)
	}
	full := append(append([]byte(nil), encHeader...), padded...)
	return storage.NewMemoryStorage(full), ks, keys.NewExternalKeySet()
}

// buildCnmtBytes lays out a minimal CNMT binary: a zeroed fixed header
// (beyond title id and entry count) followed by one row per entry.
func buildCnmtBytes(titleID uint64, entries []cnmt.ContentEntry) []byte {
	const headerSize = 0x20
	const entrySize = 0x38
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0x00:0x08], titleID)
	binary.LittleEndian.PutUint16(buf[0x10:0x12], uint16(len(entries)))

	for _, e := range entries {
		row := make([]byte, entrySize)
		copy(row[0x00:0x20], e.Hash[:])
		copy(row[0x20:0x30], e.NcaID[:])
		var sizeField [6]byte
		var sz uint64 = e.Size
		for i := 0; i < 6; i++ {
			sizeField[i] = byte(sz)
			sz >>= 8
		}
		copy(row[0x30:0x36], sizeField[:])
		row[0x36] = byte(e.Type)
		buf = append(buf, row...)
	}
	return buf
}

func TestBuildMetaPatchRewritesContentTable(t *testing.T) {
	oldEntries := []cnmt.ContentEntry{{Type: cnmt.ContentProgram, Size: 0x1000}}
	oldEntries[0].Hash[0] = 1
	oldEntries[0].NcaID[0] = 1

	file, ks, ext := buildMetaNCA(t, 0xBEEF, "meta.cnmt", oldEntries)
	baseMeta, err := nca.OpenNCA(file, ks, ext)
	if err != nil {
		t.Fatalf("open base meta: %v", err)
	}
	defer baseMeta.Close()

	newEntries := []cnmt.ContentEntry{
		{Type: cnmt.ContentData, Size: 0x2000},
		{Type: cnmt.ContentControl, Size: 0x3000},
	}
	newEntries[0].Hash[0] = 2
	newEntries[0].NcaID[0] = 2
	newEntries[1].Hash[0] = 3
	newEntries[1].NcaID[0] = 3

	patched, err := BuildMetaPatch(ks, baseMeta, newEntries)
	if err != nil {
		t.Fatalf("BuildMetaPatch: %v", err)
	}

	patchedNCA, err := nca.OpenNCA(patched, ks, keys.NewExternalKeySet())
	if err != nil {
		t.Fatalf("open patched meta: %v", err)
	}
	defer patchedNCA.Close()

	fs, err := patchedNCA.OpenSectionFS(0, integrity.LevelErrorOnInvalid, nil)
	if err != nil {
		t.Fatalf("open patched section fs: %v", err)
	}
	f, err := fs.Open("/meta.cnmt")
	if err != nil {
		t.Fatalf("open rewritten cnmt: %v", err)
	}
	raw := make([]byte, f.Size())
	if _, err := f.ReadAt(raw, 0); err != nil {
		t.Fatal(err)
	}

	parsed, err := cnmt.Parse(raw)
	if err != nil {
		t.Fatalf("parse rewritten cnmt: %v", err)
	}
	if parsed.TitleID != 0xBEEF {
		t.Errorf("TitleID not preserved: got %#x", parsed.TitleID)
	}
	got := parsed.Entries()
	if len(got) != 2 || got[0] != newEntries[0] || got[1] != newEntries[1] {
		t.Fatalf("rewritten entries: got %+v, want %+v", got, newEntries)
	}
}

func TestAddSectionTwiceFails(t *testing.T) {
	var base header.Header
	b := NewBuilder(&base)

	content := storage.NewMemoryStorage(make([]byte, header.BlockSize))
	fsh := header.FsHeader{Format: header.FormatRomFs, HashType: header.HashNone, EncryptionType: header.EncryptionNone}

	if err := b.AddSection(1, content, fsh); err != nil {
		t.Fatalf("first AddSection: %v", err)
	}
	err := b.AddSection(1, content, fsh)
	if err == nil {
		t.Fatal("expected an error on the second AddSection for the same index")
	}
	if !errors.Is(err, ncaerr.ErrAlreadyAdded) {
		t.Fatalf("expected ErrAlreadyAdded, got %v", err)
	}
}

func TestAddSectionIndexOutOfRange(t *testing.T) {
	var base header.Header
	b := NewBuilder(&base)
	content := storage.NewMemoryStorage(make([]byte, header.BlockSize))
	fsh := header.FsHeader{}
	if err := b.AddSection(4, content, fsh); err == nil {
		t.Fatal("expected an error for section index 4")
	}
}

func TestSealWithNoSections(t *testing.T) {
	var base header.Header
	base.Magic = header.MagicNCA3
	b := NewBuilder(&base)

	ks := keys.New()
	var headerKey [32]byte
	if _, err := rand.Read(headerKey[:]); err != nil {
		t.Fatal(err)
	}
	ks.HeaderKey = headerKey

	out, err := b.Seal(ks)
	if err != nil {
		t.Fatalf("Seal with no sections: %v", err)
	}
	if out.Size() != header.StructSize {
		t.Fatalf("sealed size: got %d, want %d (header only)", out.Size(), header.StructSize)
	}
}
