package keys

import (
	"fmt"

	"github.com/falk/ncago/pkg/cryptoprim"
	"github.com/falk/ncago/pkg/header"
	"github.com/falk/ncago/pkg/ncaerr"
)

// SectionKeys holds the two keys every NCA section derives down to: the
// content key (used for XTS/legacy sections and as the base AES-CTR
// key) and the ctr key (used for AES-CTR/AES-CTR-EX sections). Under
// rights-ID (title key) encryption the two are identical, matching §4.4
// step 2's "same key is used for all sections".
type SectionKeys struct {
	Content [16]byte
	Ctr     [16]byte
}

// DeriveSectionKeys implements §4.4's key derivation: rights-ID NCAs
// look up their external title key and unwrap it with the title kek;
// standard NCAs unwrap the header's key area with the key-area key
// selected by KeyAreaKeyIdx. NCA0 headers first RSA-OAEP-decrypt the
// key area with the platform's NCA0 private key before the same
// extraction.
func DeriveSectionKeys(h *header.Header, ks *KeySet, ext *ExternalKeySet) (SectionKeys, error) {
	rev := h.MasterKeyRevision()

	if h.HasRightsID() {
		access, err := ext.Lookup(h.RightsID)
		if err != nil {
			return SectionKeys{}, err
		}
		kek, err := ks.TitleKek(rev)
		if err != nil {
			return SectionKeys{}, err
		}
		sectionKey, err := cryptoprim.ECBDecrypt(access[:], kek[:])
		if err != nil {
			return SectionKeys{}, fmt.Errorf("%w: title key unwrap: %v", ncaerr.ErrMissingDecryptionKey, err)
		}
		var k [16]byte
		copy(k[:], sectionKey)
		return SectionKeys{Content: k, Ctr: k}, nil
	}

	keyArea := make([]byte, 0, 0x40)
	for i := 0; i < 4; i++ {
		keyArea = append(keyArea, h.EncryptedKeys[i][:]...)
	}

	var decrypted []byte
	if h.Magic == header.MagicNCA0 {
		if ks.Nca0RSAKey == nil {
			return SectionKeys{}, fmt.Errorf("%w: NCA0 RSA key not loaded", ncaerr.ErrMissingDecryptionKey)
		}
		d, err := cryptoprim.DecryptOAEP(ks.Nca0RSAKey, keyArea)
		if err != nil {
			return SectionKeys{}, fmt.Errorf("%w: %v", ncaerr.ErrMissingDecryptionKey, err)
		}
		decrypted = d
	} else {
		kind := KeyAreaKind(h.KeyAreaKeyIdx)
		kak, err := ks.KeyAreaKey(rev, kind)
		if err != nil {
			return SectionKeys{}, err
		}
		d, err := cryptoprim.ECBDecrypt(keyArea, kak[:])
		if err != nil {
			return SectionKeys{}, fmt.Errorf("%w: key area unwrap: %v", ncaerr.ErrMissingDecryptionKey, err)
		}
		decrypted = d
	}

	if len(decrypted) < 0x40 {
		return SectionKeys{}, fmt.Errorf("%w: decrypted key area too short", ncaerr.ErrInvalidHeader)
	}

	var sk SectionKeys
	copy(sk.Content[:], decrypted[0x20:0x30])
	copy(sk.Ctr[:], decrypted[0x30:0x40])
	return sk, nil
}
