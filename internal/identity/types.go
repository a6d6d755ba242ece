package identity

import (
	"errors"
	"fmt"
	"time"

	cr "quankey/internal/crypto"
)

var (
	ErrUserNotFound    = errors.New("identity: user not found")
	ErrDeviceNotFound  = errors.New("identity: device not found")
	ErrDeviceRevoked   = errors.New("identity: device revoked")
	ErrDuplicateKey    = errors.New("identity: device public key already registered")
	ErrUsernameTaken   = errors.New("identity: username already exists")
	ErrInvalidDevice   = errors.New("identity: invalid device record")
)

// UserIdentity is the immutable identity anchor. Created once at first
// registration, never deleted.
type UserIdentity struct {
	ID        string    `bson:"_id" json:"id"`
	Username  string    `bson:"username" json:"username"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Device is the public half of an enrolled device. The matching private keys
// live in device-local secure storage and are never part of this record.
type Device struct {
	ID           string    `bson:"_id" json:"id"`
	OwnerID      string    `bson:"owner_id" json:"owner_id"`
	CredentialID string    `bson:"credential_id" json:"credential_id"`
	PublicKey    []byte    `bson:"public_key" json:"public_key"`         // ML-KEM-768
	SigPublicKey []byte    `bson:"sig_public_key" json:"sig_public_key"` // Dilithium3
	Label        string    `bson:"label" json:"label"`
	RegisteredAt time.Time `bson:"registered_at" json:"registered_at"`
	LastUsedAt   time.Time `bson:"last_used_at" json:"last_used_at"`
	Revoked      bool      `bson:"revoked" json:"revoked"`
}

// Active reports whether the device may be used. Revocation is terminal;
// there is no un-revoke anywhere in the system.
func (d *Device) Active() bool { return !d.Revoked }

// Validate rejects a device whose key material does not match the published
// ML-KEM-768 / Dilithium3 sizes.
func (d *Device) Validate() error {
	if d.ID == "" || d.OwnerID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDevice)
	}
	if len(d.PublicKey) != cr.KEMPublicKeySize {
		return fmt.Errorf("%w: KEM public key is %d bytes, want %d", ErrInvalidDevice, len(d.PublicKey), cr.KEMPublicKeySize)
	}
	if len(d.SigPublicKey) != cr.SigPublicKeySize {
		return fmt.Errorf("%w: signature public key is %d bytes, want %d", ErrInvalidDevice, len(d.SigPublicKey), cr.SigPublicKeySize)
	}
	return nil
}
