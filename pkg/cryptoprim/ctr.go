package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

// cipherCache avoids re-expanding the AES key schedule for every seek on
// the same section, mirroring the teacher's package-level cipher cache.
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func cachedBlock(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("cryptoprim: AES-CTR key must be 16 bytes, got %d", len(key))
	}
	var k [16]byte
	copy(k[:], key)

	cipherCacheMu.RLock()
	b, ok := cipherCache[k]
	cipherCacheMu.RUnlock()
	if ok {
		return b, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()
	if b, ok = cipherCache[k]; ok {
		return b, nil
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[k] = b
	return b, nil
}

// CTRCounter is the 128-bit AES-CTR counter used by NCA sections: the
// upper 64 bits come from the FsHeader's section counter (or, under
// AES-CTR-EX, a per-extent generation id), the lower 64 bits are the
// absolute byte offset divided by 16, big-endian.
type CTRCounter struct {
	High uint64
	Low  uint64
}

// CounterFromSectionIV builds the base CTRCounter for a section from its
// 8-byte FsHeader counter field.
func CounterFromSectionIV(iv [8]byte) CTRCounter {
	return CTRCounter{High: binary.BigEndian.Uint64(iv[:])}
}

// WithGeneration returns a copy of c with the high 32 bits of the high
// word replaced by genID, as AES-CTR-EX requires: the FsHeader counter
// supplies the low 32 bits of the high word, the bucket tree payload
// supplies the high 32 bits.
func (c CTRCounter) WithGeneration(genID uint32) CTRCounter {
	low32 := uint32(c.High)
	c.High = uint64(genID)<<32 | uint64(low32)
	return c
}

// bytes renders the counter as the 16-byte big-endian IV expected by
// cipher.NewCTR, with the block offset folded into the low word.
func (c CTRCounter) bytes(absoluteOffset int64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[0:8], c.High)
	binary.BigEndian.PutUint64(iv[8:16], c.Low+uint64(absoluteOffset>>4))
	return iv
}

// NewCTRStream returns a cipher.Stream positioned to decrypt/encrypt
// bytes starting at absoluteOffset (which must be block-aligned for the
// stream to line up with the logical section; sub-block reads mask a
// single keystream block, see storage.AesCtrStorage).
func NewCTRStream(key []byte, counter CTRCounter, absoluteOffset int64) (cipher.Stream, error) {
	block, err := cachedBlock(key)
	if err != nil {
		return nil, err
	}
	iv := counter.bytes(absoluteOffset)
	return cipher.NewCTR(block, iv[:]), nil
}

// ECBDecrypt decrypts data using unchained AES-ECB, the scheme the
// Switch key hierarchy uses to wrap key-area and title keys. ECB offers
// no semantic security for general-purpose use; it is only ever applied
// here to fixed-size 16/32-byte key material, as the platform defines.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("cryptoprim: ECB data length %d not a multiple of block size", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt is the encrypting counterpart of ECBDecrypt.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("cryptoprim: ECB data length %d not a multiple of block size", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}
