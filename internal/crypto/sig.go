package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

const (
	SigPublicKeySize = mode3.PublicKeySize
	SignatureSize    = mode3.SignatureSize
)

var ErrBadSigPublicKeySize = errors.New("crypto: bad signature public key size")

type SigningKey struct {
	Pub  *mode3.PublicKey
	Priv *mode3.PrivateKey
}

func NewSigningKey() (*SigningKey, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKey{Pub: pub, Priv: priv}, nil
}

const SigSeedSize = mode3.SeedSize

// DeriveSigningKey deterministically derives a Dilithium3 key pair from a
// seed.
func DeriveSigningKey(seed []byte) (*SigningKey, error) {
	if len(seed) != mode3.SeedSize {
		return nil, fmt.Errorf("crypto: signing seed is %d bytes, want %d", len(seed), mode3.SeedSize)
	}
	var s [mode3.SeedSize]byte
	copy(s[:], seed)
	pub, priv := mode3.NewKeyFromSeed(&s)
	Zero(s[:])
	return &SigningKey{Pub: pub, Priv: priv}, nil
}

func Sign(priv *mode3.PrivateKey, msg []byte) []byte {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(priv, msg, sig)
	return sig
}

// Verify checks a Dilithium3 signature against a packed public key.
func Verify(pub, msg, sig []byte) (bool, error) {
	if len(pub) != mode3.PublicKeySize {
		return false, fmt.Errorf("%w: got %d, want %d", ErrBadSigPublicKeySize, len(pub), mode3.PublicKeySize)
	}
	if len(sig) != mode3.SignatureSize {
		return false, nil
	}
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return false, err
	}
	return mode3.Verify(&pk, msg, sig), nil
}

func MarshalSigPublic(pub *mode3.PublicKey) ([]byte, error) {
	return pub.MarshalBinary()
}

func MarshalSigPrivate(priv *mode3.PrivateKey) ([]byte, error) {
	return priv.MarshalBinary()
}

func UnmarshalSigPrivate(b []byte) (*mode3.PrivateKey, error) {
	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &sk, nil
}
