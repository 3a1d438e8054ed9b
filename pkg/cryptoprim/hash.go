package cryptoprim

import (
	"crypto/sha256"
	"hash"
)

// Sha256 one-shots a block for hash-tree verification (§4.1: both
// one-shot and streaming forms are required).
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// NewSha256Stream returns a streaming SHA-256 hasher for whole-section
// hashing during merge (§4.8 step 3), where allocating the full section
// content just to hash it would defeat the point of streaming I/O.
func NewSha256Stream() hash.Hash {
	return sha256.New()
}
