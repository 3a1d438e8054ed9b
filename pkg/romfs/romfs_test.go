package romfs

import (
	"bytes"
	"testing"

	"github.com/falk/ncago/pkg/storage"
)

func TestBuildOpenRoundTrip(t *testing.T) {
	files := []WriterFile{
		{Name: "main.dat", Data: bytes.Repeat([]byte{0x11}, 100)},
		{Name: "sub.dat", Data: []byte("romfs payload")},
	}
	img := Build(files)

	fs, err := Open(storage.NewMemoryStorage(img))
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.Open("/main.dat")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 100)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x11}, 100)) {
		t.Fatal("main.dat content mismatch")
	}

	f2, err := fs.Open("sub.dat")
	if err != nil {
		t.Fatal(err)
	}
	buf2 := make([]byte, len("romfs payload"))
	if _, err := f2.ReadAt(buf2, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf2) != "romfs payload" {
		t.Fatalf("sub.dat content: got %q", buf2)
	}
}

func TestEnumerateRoot(t *testing.T) {
	files := []WriterFile{
		{Name: "a", Data: []byte("1")},
		{Name: "b", Data: []byte("22")},
	}
	img := Build(files)
	fs, err := Open(storage.NewMemoryStorage(img))
	if err != nil {
		t.Fatal(err)
	}

	entries, err := fs.Enumerate("/", "*")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("Enumerate: got %d entries, want 2", len(entries))
	}
	if entries[0].Path != "/a" || entries[1].Path != "/b" {
		t.Fatalf("Enumerate order/paths: got %+v", entries)
	}
}

func TestOpenDirectoryFails(t *testing.T) {
	img := Build([]WriterFile{{Name: "a", Data: []byte("1")}})
	fs, err := Open(storage.NewMemoryStorage(img))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Open("/"); err == nil {
		t.Fatal("expected error opening the root directory as a file")
	}
}

func TestOpenMissingFile(t *testing.T) {
	img := Build([]WriterFile{{Name: "a", Data: []byte("1")}})
	fs, err := Open(storage.NewMemoryStorage(img))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Open("/missing"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuildEmptyRomFs(t *testing.T) {
	img := Build(nil)
	fs, err := Open(storage.NewMemoryStorage(img))
	if err != nil {
		t.Fatal(err)
	}
	entries, err := fs.Enumerate("/", "*")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}
