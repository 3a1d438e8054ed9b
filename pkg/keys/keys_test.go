package keys

import (
	"sync"
	"testing"

	"github.com/falk/ncago/pkg/cryptoprim"
	"github.com/falk/ncago/pkg/header"
)

func TestExternalKeySetAddLookup(t *testing.T) {
	ext := NewExternalKeySet()
	var rightsID, key [16]byte
	rightsID[0] = 0xAB
	key[0] = 0xCD

	if _, err := ext.Lookup(rightsID); err == nil {
		t.Fatal("expected lookup to fail before AddTitleKey")
	}

	if !ext.AddTitleKey(rightsID, key) {
		t.Fatal("AddTitleKey should report success")
	}

	got, err := ext.Lookup(rightsID)
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Fatalf("Lookup: got %x, want %x", got, key)
	}
}

func TestExternalKeySetConcurrentAccess(t *testing.T) {
	ext := NewExternalKeySet()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var rightsID, key [16]byte
			rightsID[0] = byte(i)
			key[0] = byte(i)
			ext.AddTitleKey(rightsID, key)
			ext.Lookup(rightsID)
		}(i)
	}
	wg.Wait()
}

func TestStringFormatsRightsID(t *testing.T) {
	var rightsID [16]byte
	rightsID[0] = 0xDE
	rightsID[1] = 0xAD
	if got := String(rightsID); got[:4] != "dead" {
		t.Fatalf("String: got %q", got)
	}
}

func TestDeriveSectionKeysStandard(t *testing.T) {
	ks := New()
	var kak [16]byte
	kak[0] = 0x11
	ks.SetKeyAreaKey(0, KeyAreaApplication, kak)

	var wantContent, wantCtr [16]byte
	wantContent[0] = 0x22
	wantCtr[0] = 0x33
	keyArea := make([]byte, 0x40)
	copy(keyArea[0x20:0x30], wantContent[:])
	copy(keyArea[0x30:0x40], wantCtr[:])
	encKeyArea, err := cryptoprim.ECBEncrypt(keyArea, kak[:])
	if err != nil {
		t.Fatal(err)
	}

	h := &header.Header{KeyAreaKeyIdx: uint8(KeyAreaApplication)}
	for i := 0; i < 4; i++ {
		copy(h.EncryptedKeys[i][:], encKeyArea[i*0x10:(i+1)*0x10])
	}

	sk, err := DeriveSectionKeys(h, ks, NewExternalKeySet())
	if err != nil {
		t.Fatal(err)
	}
	if sk.Content != wantContent {
		t.Errorf("Content key: got %x, want %x", sk.Content, wantContent)
	}
	if sk.Ctr != wantCtr {
		t.Errorf("Ctr key: got %x, want %x", sk.Ctr, wantCtr)
	}
}

func TestDeriveSectionKeysMissingKeyArea(t *testing.T) {
	ks := New()
	h := &header.Header{KeyAreaKeyIdx: uint8(KeyAreaApplication)}
	if _, err := DeriveSectionKeys(h, ks, NewExternalKeySet()); err == nil {
		t.Fatal("expected error when key area key was never derived")
	}
}

func TestDeriveSectionKeysRightsID(t *testing.T) {
	ks := New()
	var titleKek [16]byte
	titleKek[0] = 0x44
	ks.SetTitleKek(0, titleKek)

	var sectionKey [16]byte
	sectionKey[0] = 0x55
	access, err := cryptoprim.ECBEncrypt(sectionKey[:], titleKek[:])
	if err != nil {
		t.Fatal(err)
	}
	var accessKey [16]byte
	copy(accessKey[:], access)

	h := &header.Header{}
	h.RightsID[0] = 0x01

	ext := NewExternalKeySet()
	ext.AddTitleKey(h.RightsID, accessKey)

	sk, err := DeriveSectionKeys(h, ks, ext)
	if err != nil {
		t.Fatal(err)
	}
	if sk.Content != sectionKey || sk.Ctr != sectionKey {
		t.Errorf("rights-ID derivation: got Content=%x Ctr=%x, want %x", sk.Content, sk.Ctr, sectionKey)
	}
}

func TestDeriveSectionKeysRightsIDMissingTitleKey(t *testing.T) {
	ks := New()
	h := &header.Header{}
	h.RightsID[0] = 0x01
	if _, err := DeriveSectionKeys(h, ks, NewExternalKeySet()); err == nil {
		t.Fatal("expected error for missing external title key")
	}
}

func TestKeyAreaKeyOutOfRange(t *testing.T) {
	ks := New()
	if _, err := ks.KeyAreaKey(-1, KeyAreaApplication); err == nil {
		t.Fatal("expected error for negative generation")
	}
	if _, err := ks.KeyAreaKey(maxGeneration, KeyAreaApplication); err == nil {
		t.Fatal("expected error for out-of-range generation")
	}
}
