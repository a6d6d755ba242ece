package pairing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	cr "quankey/internal/crypto"
	"quankey/internal/envelope"
	"quankey/internal/identity"
	"quankey/internal/keys"
)

// MaxTTL is the hard ceiling on a pairing session's lifetime. Configured
// TTLs above it are clamped.
const MaxTTL = 90 * time.Second

const tokenBytes = 32

// Bridge hands vault access from an authorized device to a new one over a
// short-lived single-use session. Expiry is enforced by wall-clock checks at
// every access; there is no sweeper goroutine mutating state proactively.
type Bridge struct {
	sessions SessionStore
	devices  identity.Store
	envelope *envelope.Engine
	ttl      time.Duration
	now      func() time.Time
}

func NewBridge(sessions SessionStore, devices identity.Store, env *envelope.Engine, ttl time.Duration) *Bridge {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Bridge{sessions: sessions, devices: devices, envelope: env, ttl: ttl, now: time.Now}
}

// CreateSession mints an unguessable single-use token for the issuer device
// and returns the QR payload the issuer renders. Dead sessions are swept
// opportunistically here rather than by a background timer.
func (b *Bridge) CreateSession(ctx context.Context, issuerDeviceID string) (*Session, QRPayload, error) {
	issuer, err := b.devices.GetDevice(ctx, issuerDeviceID)
	if err != nil {
		return nil, QRPayload{}, err
	}
	if issuer.Revoked {
		return nil, QRPayload{}, ErrIssuerRevoked
	}

	_, _ = b.sessions.DeleteExpired(ctx, b.now().Add(-MaxTTL))

	tok := make([]byte, tokenBytes)
	if _, err := rand.Read(tok); err != nil {
		return nil, QRPayload{}, err
	}
	now := b.now().UTC()
	s := &Session{
		Token:          base64.RawURLEncoding.EncodeToString(tok),
		OwnerID:        issuer.OwnerID,
		IssuerDeviceID: issuer.ID,
		State:          StateAwaitingScan,
		CreatedAt:      now,
		ExpiresAt:      now.Add(b.ttl),
	}
	if err := b.sessions.Insert(ctx, s); err != nil {
		return nil, QRPayload{}, err
	}
	return s, QRPayload{Token: s.Token, ExpiresAt: s.ExpiresAt}, nil
}

// JoinSession is the only externally reachable write on a session and is
// accepted at most once: the state transition is a single conditional
// update, so of two racing joiners exactly one wins and the other gets
// ErrSessionAlreadyConsumed.
func (b *Bridge) JoinSession(ctx context.Context, token string, kemPub, sigPub []byte, credentialID, label string) (*Session, error) {
	s, err := b.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.Expired(b.now()) {
		return nil, ErrSessionExpired
	}
	if len(kemPub) != cr.KEMPublicKeySize {
		return nil, fmt.Errorf("pairing: %w", cr.ErrBadPublicKeySize)
	}
	if len(sigPub) != cr.SigPublicKeySize {
		return nil, fmt.Errorf("pairing: %w", cr.ErrBadSigPublicKeySize)
	}

	next := *s
	next.State = StateKeyExchanged
	next.NewDevicePubKey = kemPub
	next.NewDeviceSigPub = sigPub
	next.NewCredentialID = credentialID
	next.NewDeviceLabel = label
	if err := b.sessions.CAS(ctx, &next, []State{StateCreated, StateAwaitingScan}); err != nil {
		if err == ErrCASConflict {
			return nil, ErrSessionAlreadyConsumed
		}
		return nil, err
	}
	return &next, nil
}

// PollStatus is a cheap side-effect-free read for the issuer. A session past
// its expiry reports Expired no matter what state is stored.
func (b *Bridge) PollStatus(ctx context.Context, token string) (State, error) {
	s, err := b.sessions.Get(ctx, token)
	if err != nil {
		return "", err
	}
	if s.Expired(b.now()) {
		return StateExpired, nil
	}
	return s.State, nil
}

// Complete is the issuer-side finish: it re-checks issuer validity, registers
// the joiner as a device, and re-wraps every vault item for it. The handle
// must belong to the issuing device.
func (b *Bridge) Complete(ctx context.Context, token string, h *keys.AuthorizedHandle) (*identity.Device, error) {
	s, err := b.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.Expired(b.now()) {
		return nil, ErrSessionExpired
	}
	if s.State != StateKeyExchanged {
		return nil, ErrNotExchanged
	}
	if h.DeviceID() != s.IssuerDeviceID {
		return nil, fmt.Errorf("pairing: handle is not the issuing device")
	}

	// Issuer validity is re-checked here, not only at creation: a device
	// revoked mid-flow must not be able to finish granting access.
	issuer, err := b.devices.GetDevice(ctx, s.IssuerDeviceID)
	if err != nil {
		return nil, err
	}
	if issuer.Revoked {
		failed := *s
		failed.State = StateFailed
		_ = b.sessions.CAS(ctx, &failed, []State{StateKeyExchanged})
		return nil, ErrIssuerRevoked
	}

	now := b.now().UTC()
	newDev := &identity.Device{
		ID:           uuid.NewString(),
		OwnerID:      s.OwnerID,
		CredentialID: s.NewCredentialID,
		PublicKey:    s.NewDevicePubKey,
		SigPublicKey: s.NewDeviceSigPub,
		Label:        s.NewDeviceLabel,
		RegisteredAt: now,
		LastUsedAt:   now,
	}
	if err := newDev.Validate(); err != nil {
		return nil, err
	}

	done := *s
	done.State = StateCompleted
	if err := b.sessions.CAS(ctx, &done, []State{StateKeyExchanged}); err != nil {
		if err == ErrCASConflict {
			return nil, ErrSessionAlreadyConsumed
		}
		return nil, err
	}
	if err := b.devices.AddDevice(ctx, newDev); err != nil {
		return nil, err
	}
	if err := b.envelope.GrantDeviceAll(ctx, h, newDev); err != nil {
		return nil, err
	}
	return newDev, nil
}
