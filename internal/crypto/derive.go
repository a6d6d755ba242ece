package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const deriveSaltSize = 32

// WrapKey stretches a KEM shared secret into the symmetric key that seals a
// DEK for one device. The item and device identifiers are mixed into the
// info string so a wrap key is never valid for any other (item, device) pair.
func WrapKey(shared []byte, itemID, deviceID string) ([]byte, error) {
	return derive(shared, nil, "quankey/wrap/v1:"+itemID+":"+deviceID)
}

// Verifier derives a public commitment to a recovery secret. Stored with the
// kit so a reconstruction from mismatched shares is caught before any grant
// is attempted. One-way; reveals nothing about the secret.
func Verifier(recoverySecret []byte) ([]byte, error) {
	return derive(recoverySecret, nil, "quankey/verifier/v1")
}

// RecoverySeeds stretches a reconstructed recovery secret into the seeds
// that re-derive the kit's KEM and signing key pairs.
func RecoverySeeds(recoverySecret []byte) (kemSeed, sigSeed []byte, err error) {
	kemSeed = make([]byte, KEMSeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, recoverySecret, nil, []byte("quankey/recovery-kem/v1")), kemSeed); err != nil {
		return nil, nil, err
	}
	sigSeed = make([]byte, SigSeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, recoverySecret, nil, []byte("quankey/recovery-sig/v1")), sigSeed); err != nil {
		return nil, nil, err
	}
	return kemSeed, sigSeed, nil
}

// SealAtRest seals small secrets (private keys, stored shares) under a
// long-lived key. A random HKDF salt gives every sealing its own subkey.
// Returned layout: [salt||nonce||ciphertext||tag].
func SealAtRest(key, plaintext, aad []byte) ([]byte, error) {
	salt := make([]byte, deriveSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	sub, err := derive(key, salt, "quankey/at-rest/v1")
	if err != nil {
		return nil, err
	}
	defer Zero(sub)
	sealed, err := SealX(sub, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

func OpenAtRest(key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < deriveSaltSize {
		return nil, ErrCiphertextTooShort
	}
	sub, err := derive(key, ciphertext[:deriveSaltSize], "quankey/at-rest/v1")
	if err != nil {
		return nil, err
	}
	defer Zero(sub)
	return OpenX(sub, ciphertext[deriveSaltSize:], aad)
}

func derive(secret, salt []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}
