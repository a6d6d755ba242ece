package envelope

import (
	"context"
	"errors"
	"time"
)

const Algorithm = "mlkem768+xchacha20poly1305"

var (
	ErrItemNotFound       = errors.New("envelope: item not found")
	ErrWrapNotFound       = errors.New("envelope: no wrap for device")
	ErrIntegrityFailure   = errors.New("envelope: ciphertext integrity check failed")
	ErrInvariantViolation = errors.New("envelope: invariant violation")
	ErrVersionConflict    = errors.New("envelope: item version conflict")
	ErrNoActiveDevices    = errors.New("envelope: no active devices to encrypt for")
)

// Wrap conveys one item's DEK to one device: the KEM ciphertext that
// encapsulates a shared secret for that device, and the DEK sealed under the
// key derived from it.
type Wrap struct {
	KEMCiphertext []byte `bson:"kem_ct" json:"kem_ct"`
	DEKWrap       []byte `bson:"dek_wrap" json:"dek_wrap"`
}

// Item is a vault entry envelope. Plaintext is encrypted exactly once under
// a random DEK; the DEK is wrapped once per authorized device. The item
// never exists server-side in plaintext.
type Item struct {
	ID         string          `bson:"_id" json:"id"`
	OwnerID    string          `bson:"owner_id" json:"owner_id"`
	Ciphertext []byte          `bson:"ciphertext" json:"ciphertext"`
	Nonce      []byte          `bson:"nonce" json:"nonce"`
	Wraps      map[string]Wrap `bson:"wraps" json:"wraps"` // device ID -> wrap
	Algorithm  string          `bson:"algorithm" json:"algorithm"`
	Version    int64           `bson:"version" json:"version"`
	CreatedAt  time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `bson:"updated_at" json:"updated_at"`
}

// ItemStore is the persistence boundary for envelopes. UpdateVersioned must
// be a conditional write keyed on the expected version so concurrent
// re-encryptions of the same item serialize instead of interleaving.
type ItemStore interface {
	Insert(ctx context.Context, it *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Item, error)
	UpdateVersioned(ctx context.Context, it *Item, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}
