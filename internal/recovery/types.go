package recovery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrKitNotFound        = errors.New("recovery: kit not found")
	ErrKitExpired         = errors.New("recovery: kit expired")
	ErrKitSuperseded      = errors.New("recovery: kit superseded by a newer kit")
	ErrInvalidParams      = errors.New("recovery: invalid sharing parameters")
	ErrInsufficientShares = errors.New("recovery: not enough valid shares")
	ErrChecksumMismatch   = errors.New("recovery: share checksum mismatch")
	ErrSecretMismatch     = errors.New("recovery: reconstructed secret failed verification")
)

// Kit is the durable record of one issued recovery kit. The recovery secret
// itself is never stored: only its one-way verifier and the identity of the
// pseudo-device whose key pairs the secret re-derives.
type Kit struct {
	ID               string    `bson:"_id" json:"id"`
	OwnerID          string    `bson:"owner_id" json:"owner_id"`
	Threshold        int       `bson:"threshold" json:"threshold"`
	TotalShares      int       `bson:"total_shares" json:"total_shares"`
	Verifier         []byte    `bson:"verifier" json:"-"`
	RecoveryDeviceID string    `bson:"recovery_device_id" json:"-"`
	Active           bool      `bson:"active" json:"active"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt        time.Time `bson:"expires_at" json:"expires_at"`
}

func (k *Kit) Expired(now time.Time) bool { return now.After(k.ExpiresAt) }

// StoredShare is the server-side record of one share. CiphertextShare is the
// share payload sealed under the operator-held kit seal key: a database dump
// alone can never meet the threshold.
type StoredShare struct {
	ID              string `bson:"_id" json:"share_id"`
	KitID           string `bson:"kit_id" json:"kit_id"`
	Index           int    `bson:"index" json:"index"`
	CiphertextShare []byte `bson:"ciphertext_share" json:"-"`
	Checksum        []byte `bson:"checksum" json:"checksum"`
}

// KitStore is the persistence boundary for kits and their share records.
// CreateKit must atomically deactivate any prior active kit for the owner:
// there is never a window with two active kits.
type KitStore interface {
	CreateKit(ctx context.Context, k *Kit, shares []StoredShare) (previous *Kit, err error)
	GetKit(ctx context.Context, id string) (*Kit, error)
	GetActiveKit(ctx context.Context, ownerID string) (*Kit, error)
	ListShares(ctx context.Context, kitID string) ([]StoredShare, error)
}
