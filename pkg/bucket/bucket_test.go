package bucket

import (
	"encoding/binary"
	"io"
	"testing"
)

const testBucketHeaderSize = bucketHeaderSize

// buildTreeData assembles a minimal single-bucket on-disk bucket tree
// whose entries carry the given 8 consumer-specific bytes each.
func buildTreeData(virtualOffsets []uint64, entryData [][8]byte) []byte {
	data := make([]byte, testBucketHeaderSize)
	binary.LittleEndian.PutUint32(data[4:8], 1) // bucket count

	bucketHdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(bucketHdr[4:8], uint32(len(virtualOffsets)))
	data = append(data, bucketHdr...)

	for i, vo := range virtualOffsets {
		entry := make([]byte, 16)
		binary.LittleEndian.PutUint64(entry[0:8], vo)
		copy(entry[8:16], entryData[i][:])
		data = append(data, entry...)
	}
	return data
}

func indirectEntryBytes(phys uint64, selector byte) [8]byte {
	var b [8]byte
	var physBytes [8]byte
	binary.LittleEndian.PutUint64(physBytes[:], phys)
	copy(b[:7], physBytes[:7])
	b[7] = selector
	return b
}

func ctrExEntryBytes(generation uint32) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[4:8], generation)
	return b
}

func TestParseIndirectTree(t *testing.T) {
	data := buildTreeData(
		[]uint64{0, 0x1000, 0x3000},
		[][8]byte{
			indirectEntryBytes(0x10000, byte(SourceBase)),
			indirectEntryBytes(0x20000, byte(SourcePatch)),
			indirectEntryBytes(0x30000, byte(SourceBase)),
		},
	)

	tree, err := ParseIndirectTree(data)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Size() != 0x3000 {
		t.Fatalf("Size: got %#x, want %#x", tree.Size(), 0x3000)
	}

	e, err := tree.Lookup(0x1500)
	if err != nil {
		t.Fatal(err)
	}
	if e.VirtualOffset != 0x1000 || e.Size != 0x2000 || e.From != SourcePatch || e.PhysOffset != 0x20000 {
		t.Fatalf("Lookup(0x1500) = %+v", e)
	}

	if _, err := tree.Lookup(0x3000); err != io.EOF {
		t.Fatalf("Lookup at tree end: got %v, want io.EOF", err)
	}
}

func TestIndirectTreeLookupRaw(t *testing.T) {
	tree := NewFlatIndirectTree([]IndirectEntry{
		{VirtualOffset: 0, Size: 16, PhysOffset: 0x100, From: SourceBase},
		{VirtualOffset: 16, Size: 16, PhysOffset: 0x200, From: SourcePatch},
	})
	vo, size, phys, fromPatch, err := tree.LookupRaw(20)
	if err != nil {
		t.Fatal(err)
	}
	if vo != 16 || size != 16 || phys != 0x200 || !fromPatch {
		t.Fatalf("LookupRaw(20) = vo=%d size=%d phys=%#x fromPatch=%v", vo, size, phys, fromPatch)
	}
}

func TestParseAesCtrExTree(t *testing.T) {
	data := buildTreeData(
		[]uint64{0, 0x2000},
		[][8]byte{ctrExEntryBytes(1), ctrExEntryBytes(2)},
	)

	tree, err := ParseAesCtrExTree(data)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Size() != 0x2000 {
		t.Fatalf("Size: got %#x, want %#x", tree.Size(), 0x2000)
	}

	e, err := tree.Lookup(0x100)
	if err != nil {
		t.Fatal(err)
	}
	if e.Generation != 1 || e.VirtualOffset != 0 || e.Size != 0x2000 {
		t.Fatalf("Lookup(0x100) = %+v", e)
	}

	vo, size, gen, err := tree.LookupRaw(0x2000 - 1)
	if err != nil {
		t.Fatal(err)
	}
	if vo != 0 || size != 0x2000 || gen != 1 {
		t.Fatalf("LookupRaw: vo=%d size=%d gen=%d", vo, size, gen)
	}
}

func TestWalkBucketsRejectsShortData(t *testing.T) {
	if _, err := ParseIndirectTree(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized bucket tree data")
	}
}

func TestWalkBucketsRejectsZeroBuckets(t *testing.T) {
	data := make([]byte, testBucketHeaderSize)
	// bucket count left at zero
	if _, err := ParseIndirectTree(data); err == nil {
		t.Fatal("expected error for zero bucket count")
	}
}
