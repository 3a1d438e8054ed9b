package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// XTSSectorSize is the sector size NCA headers and legacy XtsOld sections
// are addressed in.
const XTSSectorSize = 0x200

// xtsTweak derives the 128-bit tweak Nintendo uses for NCA AES-XTS: a
// big-endian sector number, not the little-endian IEEE-P1619 tweak that
// golang.org/x/crypto/xts computes internally from a sector uint64. Using
// that package directly would decrypt every sector but the first with the
// wrong tweak, so the multiply-by-2-in-GF(2^128) step is reimplemented
// here against the byte-reversed convention instead.
func xtsTweak(sector uint64) [16]byte {
	var tweak [16]byte
	binary.BigEndian.PutUint64(tweak[8:], sector)
	return tweak
}

func gfMul2(tweak *[16]byte) {
	var carry byte
	for i := 0; i < 16; i++ {
		b := tweak[i]
		next := b >> 7
		tweak[i] = (b << 1) | carry
		carry = next
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}

// XTSCipher is a sector-addressed AES-128-XTS cipher over a fixed 32-byte
// key (two 16-byte AES-128 keys). It is not a cipher.Stream: XTS requires
// knowing the sector boundary to re-derive the tweak, so callers drive it
// one sector (or NCA header block) at a time via EncryptSector/DecryptSector.
type XTSCipher struct {
	dataCipher  cipher.Block
	tweakCipher cipher.Block
}

// NewXTSCipher builds an XTSCipher from a 32-byte key (key1||key2).
func NewXTSCipher(key []byte) (*XTSCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptoprim: XTS key must be 32 bytes (2x AES-128), got %d", len(key))
	}
	c1, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	c2, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}
	return &XTSCipher{dataCipher: c1, tweakCipher: c2}, nil
}

// DecryptSector decrypts exactly one 0x200-byte sector in place into dst.
func (c *XTSCipher) DecryptSector(dst, src []byte, sector uint64) error {
	return c.crypt(dst, src, sector, false)
}

// EncryptSector encrypts exactly one 0x200-byte sector in place into dst.
func (c *XTSCipher) EncryptSector(dst, src []byte, sector uint64) error {
	return c.crypt(dst, src, sector, true)
}

func (c *XTSCipher) crypt(dst, src []byte, sector uint64, encrypt bool) error {
	if len(src) != XTSSectorSize || len(dst) != XTSSectorSize {
		return fmt.Errorf("cryptoprim: XTS sector must be %d bytes", XTSSectorSize)
	}

	tweak := xtsTweak(sector)
	var tweakEnc [16]byte
	c.tweakCipher.Encrypt(tweakEnc[:], tweak[:])
	tweak = tweakEnc

	var buf, out [16]byte
	for i := 0; i < len(src); i += 16 {
		chunk := src[i : i+16]
		for j := 0; j < 16; j++ {
			buf[j] = chunk[j] ^ tweak[j]
		}
		if encrypt {
			c.dataCipher.Encrypt(out[:], buf[:])
		} else {
			c.dataCipher.Decrypt(out[:], buf[:])
		}
		for j := 0; j < 16; j++ {
			dst[i+j] = out[j] ^ tweak[j]
		}
		gfMul2(&tweak)
	}
	return nil
}

// DecryptSectors decrypts a byte-multiple-of-XTSSectorSize buffer whose
// first sector is sectorBase.
func (c *XTSCipher) DecryptSectors(dst, src []byte, sectorBase uint64) error {
	return c.cryptSectors(dst, src, sectorBase, false)
}

// EncryptSectors is the encrypting counterpart of DecryptSectors.
func (c *XTSCipher) EncryptSectors(dst, src []byte, sectorBase uint64) error {
	return c.cryptSectors(dst, src, sectorBase, true)
}

func (c *XTSCipher) cryptSectors(dst, src []byte, sectorBase uint64, encrypt bool) error {
	if len(src)%XTSSectorSize != 0 || len(dst) != len(src) {
		return fmt.Errorf("cryptoprim: XTS buffer must be a multiple of %d bytes", XTSSectorSize)
	}
	sectors := len(src) / XTSSectorSize
	for i := 0; i < sectors; i++ {
		start := i * XTSSectorSize
		end := start + XTSSectorSize
		sector := sectorBase + uint64(i)
		var err error
		if encrypt {
			err = c.EncryptSector(dst[start:end], src[start:end], sector)
		} else {
			err = c.DecryptSector(dst[start:end], src[start:end], sector)
		}
		if err != nil {
			return fmt.Errorf("cryptoprim: sector %d: %w", sector, err)
		}
	}
	return nil
}
