// Package keys loads and derives the cryptographic material an NCA
// needs to open: the header key, per-generation key-area keys and
// title keks, the NCA0 RSA-OAEP private key, the fixed-key signing
// modulus, and the external (rights-ID-keyed) title key map (§3, C4).
//
// KeySet keeps the teacher's flat "name = hex" key file format and
// loader (pkg/keys in the teacher), generalized from teacher's
// package-level globals into a value type so multiple KeySets (e.g. a
// test fixture key set and a real prod.keys) can coexist, matching §5's
// "KeySet is read-only and safely shareable" contract.
package keys

import (
	"bufio"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/falk/ncago/pkg/cryptoprim"
	"github.com/falk/ncago/pkg/ncaerr"
)

// KeyAreaKind selects which of the three key-area keys a generation
// provides (§3).
type KeyAreaKind int

const (
	KeyAreaApplication KeyAreaKind = iota
	KeyAreaOcean
	KeyAreaSystem
	keyAreaKindCount
)

const maxGeneration = 32

// KeySet is the immutable, loaded-once set of platform key material
// (§3's "KeySet" entity). Construct with Load or New; do not mutate
// after construction — only ExternalKeySet is mutable.
type KeySet struct {
	HeaderKey [32]byte

	keyAreaKeys [maxGeneration][keyAreaKindCount]*[16]byte
	titleKeks   [maxGeneration]*[16]byte

	Nca0RSAKey      *rsa.PrivateKey
	FixedKeyModulus *rsa.PublicKey

	raw map[string][]byte
}

// New returns an empty KeySet; callers populate it via Load or directly
// for test fixtures.
func New() *KeySet {
	return &KeySet{raw: make(map[string][]byte)}
}

// Load reads a "key_name = hex" file (the teacher's prod.keys/keys.txt
// format; see falk-nsz-go's pkg/keys) and derives the per-generation
// key-area keys and title keks from its generation sources.
func Load(path string) (*KeySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ks := New()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		val, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		ks.raw[name] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if hk, ok := ks.raw["header_key"]; ok && len(hk) == 32 {
		copy(ks.HeaderKey[:], hk)
	}

	ks.deriveGenerationKeys()
	ks.loadNca0Key()
	ks.loadFixedKeyModulus()

	return ks, nil
}

// deriveGenerationKeys walks master_key_00..1f and, for each present
// master key, derives the title kek and the three key-area keys the
// same way the teacher's DeriveKeys does: Decrypt(source, master_key)
// chained through the generation seeds.
func (ks *KeySet) deriveGenerationKeys() {
	aesKekGen := ks.raw["aes_kek_generation_source"]
	aesKeyGen := ks.raw["aes_key_generation_source"]
	titleKekSource := ks.raw["titlekek_source"]
	areaSources := [keyAreaKindCount][]byte{
		ks.raw["key_area_key_application_source"],
		ks.raw["key_area_key_ocean_source"],
		ks.raw["key_area_key_system_source"],
	}

	for gen := 0; gen < maxGeneration; gen++ {
		masterKey := ks.raw[fmt.Sprintf("master_key_%02x", gen)]
		if masterKey == nil {
			continue
		}

		if titleKekSource != nil {
			if tk, err := cryptoprim.ECBDecrypt(titleKekSource, masterKey); err == nil && len(tk) == 16 {
				var k [16]byte
				copy(k[:], tk)
				ks.titleKeks[gen] = &k
			}
		}

		if aesKekGen == nil || aesKeyGen == nil {
			continue
		}
		for kind := KeyAreaKind(0); kind < keyAreaKindCount; kind++ {
			src := areaSources[kind]
			if src == nil {
				continue
			}
			kak, err := generateKek(src, masterKey, aesKekGen, aesKeyGen)
			if err != nil || len(kak) != 16 {
				continue
			}
			var k [16]byte
			copy(k[:], kak)
			ks.keyAreaKeys[gen][kind] = &k
		}
	}
}

// generateKek reproduces the teacher's three-stage unwrap:
// Decrypt(Decrypt(kekSeed, masterKey) applied to src, ...) then
// optionally re-wrapped with keySeed.
func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := cryptoprim.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}
	srcKek, err := cryptoprim.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}
	if keySeed != nil {
		return cryptoprim.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

func (ks *KeySet) loadNca0Key() {
	d := ks.raw["nca0_rsa_private_exponent"]
	n := ks.raw["nca0_rsa_modulus"]
	if d == nil || n == nil {
		return
	}
	ks.Nca0RSAKey = &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: 65537,
		},
		D: new(big.Int).SetBytes(d),
	}
}

func (ks *KeySet) loadFixedKeyModulus() {
	n := ks.raw["fixed_key_modulus"]
	if n == nil {
		return
	}
	ks.FixedKeyModulus = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: 65537}
}

// KeyAreaKey returns the key-area key for (generation, kind), or
// ErrMissingKeyAreaKey if it was never derived (missing source material
// or master key in the loaded KeySet).
func (ks *KeySet) KeyAreaKey(generation int, kind KeyAreaKind) ([16]byte, error) {
	if generation < 0 || generation >= maxGeneration {
		return [16]byte{}, fmt.Errorf("%w: generation %d out of range", ncaerr.ErrMissingKeyAreaKey, generation)
	}
	k := ks.keyAreaKeys[generation][kind]
	if k == nil {
		return [16]byte{}, fmt.Errorf("%w: key_area_key[%d][%d] not derived", ncaerr.ErrMissingKeyAreaKey, generation, kind)
	}
	return *k, nil
}

// TitleKek returns the title-key-encryption-key for the given
// generation.
func (ks *KeySet) TitleKek(generation int) ([16]byte, error) {
	if generation < 0 || generation >= maxGeneration {
		return [16]byte{}, fmt.Errorf("%w: generation %d out of range", ncaerr.ErrMissingDecryptionKey, generation)
	}
	k := ks.titleKeks[generation]
	if k == nil {
		return [16]byte{}, fmt.Errorf("%w: title_kek_%02x not derived", ncaerr.ErrMissingDecryptionKey, generation)
	}
	return *k, nil
}

// SetKeyAreaKey installs a key-area key directly, bypassing file-based
// derivation. Used by tests to build fixtures without a full
// generation-source chain.
func (ks *KeySet) SetKeyAreaKey(generation int, kind KeyAreaKind, key [16]byte) {
	ks.keyAreaKeys[generation][kind] = &key
}

// SetTitleKek installs a title kek directly; see SetKeyAreaKey.
func (ks *KeySet) SetTitleKek(generation int, key [16]byte) {
	ks.titleKeks[generation] = &key
}
