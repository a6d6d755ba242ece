package crypto

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// ML-KEM-768 sizes, checked at every unmarshal boundary so a truncated or
// padded key never reaches the primitive.
var (
	KEMPublicKeySize  = mlkem768.Scheme().PublicKeySize()
	KEMCiphertextSize = mlkem768.Scheme().CiphertextSize()
	KEMSharedKeySize  = mlkem768.Scheme().SharedKeySize()
)

var (
	ErrBadPublicKeySize  = errors.New("crypto: bad KEM public key size")
	ErrBadCiphertextSize = errors.New("crypto: bad KEM ciphertext size")
)

type KEMKey struct {
	Pub  kem.PublicKey
	Priv kem.PrivateKey
}

func NewKEMKey() (*KEMKey, error) {
	pub, priv, err := mlkem768.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &KEMKey{Pub: pub, Priv: priv}, nil
}

// KEMSeedSize is the input size for deterministic KEM key derivation.
var KEMSeedSize = mlkem768.Scheme().SeedSize()

// DeriveKEMKey deterministically derives a KEM key pair from a seed. Used by
// the recovery path, where the key pair must be re-derivable from a
// reconstructed secret instead of being stored anywhere.
func DeriveKEMKey(seed []byte) (*KEMKey, error) {
	if len(seed) != KEMSeedSize {
		return nil, fmt.Errorf("crypto: KEM seed is %d bytes, want %d", len(seed), KEMSeedSize)
	}
	pub, priv := mlkem768.Scheme().DeriveKeyPair(seed)
	return &KEMKey{Pub: pub, Priv: priv}, nil
}

// Encapsulate produces a fresh shared key for the holder of pub and the KEM
// ciphertext that conveys it.
func Encapsulate(pub []byte) (ciphertext, shared []byte, err error) {
	if len(pub) != KEMPublicKeySize {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrBadPublicKeySize, len(pub), KEMPublicKeySize)
	}
	pk, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return mlkem768.Scheme().Encapsulate(pk)
}

func Decapsulate(priv kem.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != KEMCiphertextSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadCiphertextSize, len(ciphertext), KEMCiphertextSize)
	}
	return mlkem768.Scheme().Decapsulate(priv, ciphertext)
}

func MarshalKEMPublic(pub kem.PublicKey) ([]byte, error) {
	return pub.MarshalBinary()
}

func MarshalKEMPrivate(priv kem.PrivateKey) ([]byte, error) {
	return priv.MarshalBinary()
}

func UnmarshalKEMPrivate(b []byte) (kem.PrivateKey, error) {
	return mlkem768.Scheme().UnmarshalBinaryPrivateKey(b)
}
