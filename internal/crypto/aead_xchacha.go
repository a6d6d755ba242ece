package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySizeX is the XChaCha20-Poly1305 key size. DEKs and seal keys are
	// all exactly this long.
	KeySizeX = xchacha.KeySize

	NonceSizeX = xchacha.NonceSizeX
)

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// SealX encrypts plaintext with XChaCha20-Poly1305 under key, binding aad
// into the tag. The fresh random nonce is prepended to the output, so the
// result is self-contained: [nonce || ciphertext || tag].
func SealX(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySizeX {
		return nil, fmt.Errorf("crypto: AEAD key is %d bytes, want %d", len(key), KeySizeX)
	}
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSizeX, NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenX reverses SealX. The aad must match the one bound at seal time or
// the tag check fails.
func OpenX(key, sealed, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSizeX+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	return aead.Open(nil, sealed[:NonceSizeX], sealed[NonceSizeX:], aad)
}
