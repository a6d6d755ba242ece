package pairing

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateCreated      State = "created"
	StateAwaitingScan State = "awaiting_scan"
	StateKeyExchanged State = "key_exchanged"
	StateCompleted    State = "completed"
	StateExpired      State = "expired"
	StateFailed       State = "failed"
)

var (
	ErrTokenNotFound          = errors.New("pairing: token not found")
	ErrSessionExpired         = errors.New("pairing: session expired")
	ErrSessionAlreadyConsumed = errors.New("pairing: session already consumed")
	ErrIssuerRevoked          = errors.New("pairing: issuing device revoked")
	ErrNotExchanged           = errors.New("pairing: session has no exchanged key")
	ErrCASConflict            = errors.New("pairing: concurrent state transition lost")
)

// Session is the ephemeral bridge record. It is consumed at most once and
// garbage-collected after expiry regardless of outcome. No private key
// material ever passes through it.
type Session struct {
	Token           string    `bson:"_id" json:"token"`
	OwnerID         string    `bson:"owner_id" json:"owner_id"`
	IssuerDeviceID  string    `bson:"issuer_device_id" json:"issuer_device_id"`
	State           State     `bson:"state" json:"state"`
	NewDevicePubKey []byte    `bson:"new_device_pub_key,omitempty" json:"-"`
	NewDeviceSigPub []byte    `bson:"new_device_sig_pub,omitempty" json:"-"`
	NewCredentialID string    `bson:"new_credential_id,omitempty" json:"-"`
	NewDeviceLabel  string    `bson:"new_device_label,omitempty" json:"-"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt       time.Time `bson:"expires_at" json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// SessionStore is the persistence boundary for pairing sessions. CAS must be
// a single atomic conditional write: the session is replaced with sess only
// if its current state is one of prev, otherwise ErrCASConflict. Two racing
// joiners therefore see exactly one winner.
type SessionStore interface {
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	CAS(ctx context.Context, sess *Session, prev []State) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
