package cryptoprim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/falk/ncago/pkg/ncaerr"
)

// No package in the retrieved corpus implements RSA-PSS verification or
// RSA-OAEP decryption with a third-party library; every Switch/3DS tool
// that touches these (connesc-ctrsigcheck's certs.go/ticket.go included)
// reaches for crypto/rsa directly. That is followed here rather than
// pulled in from elsewhere — see DESIGN.md.

// VerifyPSS verifies a fixed-key or NPDM RSA-2048-PSS signature over
// message with salt length 32, per §4.1.
func VerifyPSS(modulus *rsa.PublicKey, message, signature []byte) error {
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(modulus, crypto.SHA256, digest[:], signature, opts); err != nil {
		return fmt.Errorf("%w: %v", ncaerr.ErrInvalidSignature, err)
	}
	return nil
}

// SignPSS is provided for test fixture construction only; the builder
// never calls it; see §4.3's note that the builder cannot re-sign
// because the private keys are never public.
func SignPSS(key *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], opts)
}

// DecryptOAEP decrypts the NCA0 key area, which is wrapped with
// RSA-OAEP instead of the key-area-key ECB scheme NCA2/NCA3 use.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: RSA-OAEP decrypt: %w", err)
	}
	return out, nil
}

// EncryptOAEP is the encrypting counterpart, used by test fixtures that
// synthesize NCA0 key areas.
func EncryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
}
