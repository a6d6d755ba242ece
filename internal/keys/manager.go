package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	cr "quankey/internal/crypto"
	"quankey/internal/identity"
)

// Manager is the Device Key Manager: it creates a device's post-quantum key
// pair at passkey enrollment and gates every later use of the private half
// behind a fresh passkey assertion.
type Manager struct {
	store    identity.Store
	keystore *Keystore
}

func NewManager(store identity.Store, ks *Keystore) *Manager {
	return &Manager{store: store, keystore: ks}
}

// Register enrolls a device for owner after a successful passkey attestation.
// The ML-KEM and Dilithium key pairs are generated locally from the system
// CSPRNG; the attestation only authorizes the enrollment. Only public halves
// ever reach the identity store.
func (m *Manager) Register(ctx context.Context, ownerID string, att Attestation) (*identity.Device, error) {
	if strings.TrimSpace(att.CredentialID) == "" {
		return nil, fmt.Errorf("%w: missing credential id", ErrAuthorizationDenied)
	}
	if len(att.AttestedKey) == 0 {
		return nil, fmt.Errorf("%w: attestation carries no attested key", ErrAuthorizationDenied)
	}

	kemKey, err := cr.NewKEMKey()
	if err != nil {
		return nil, err
	}
	sigKey, err := cr.NewSigningKey()
	if err != nil {
		return nil, err
	}

	kemPub, err := cr.MarshalKEMPublic(kemKey.Pub)
	if err != nil {
		return nil, err
	}
	sigPub, err := cr.MarshalSigPublic(sigKey.Pub)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dev := &identity.Device{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		CredentialID: att.CredentialID,
		PublicKey:    kemPub,
		SigPublicKey: sigPub,
		Label:        strings.TrimSpace(att.Label),
		RegisteredAt: now,
		LastUsedAt:   now,
	}
	if err := dev.Validate(); err != nil {
		return nil, err
	}

	kemPriv, err := cr.MarshalKEMPrivate(kemKey.Priv)
	if err != nil {
		return nil, err
	}
	defer cr.Zero(kemPriv)
	sigPriv, err := cr.MarshalSigPrivate(sigKey.Priv)
	if err != nil {
		return nil, err
	}
	defer cr.Zero(sigPriv)

	if err := m.keystore.save(dev.ID, kemPriv, sigPriv); err != nil {
		return nil, err
	}
	if err := m.store.AddDevice(ctx, dev); err != nil {
		_ = m.keystore.remove(dev.ID)
		return nil, err
	}
	return dev, nil
}

// AuthorizeUse exchanges a passkey assertion for a handle over the device's
// private keys. The handle lives in memory only; callers Close it when done.
func (m *Manager) AuthorizeUse(ctx context.Context, asrt Assertion) (*AuthorizedHandle, error) {
	dev, err := m.store.FindDeviceByCredential(ctx, asrt.CredentialID)
	if err != nil {
		return nil, err
	}
	if dev.Revoked {
		return nil, identity.ErrDeviceRevoked
	}
	if !asrt.UserVerified {
		return nil, ErrAuthorizationDenied
	}

	kemPriv, sigPriv, err := m.keystore.load(dev.ID)
	if err != nil {
		return nil, err
	}
	defer cr.ZeroAll(kemPriv, sigPriv)

	kp, err := cr.UnmarshalKEMPrivate(kemPriv)
	if err != nil {
		return nil, err
	}
	sp, err := cr.UnmarshalSigPrivate(sigPriv)
	if err != nil {
		return nil, err
	}

	if err := m.store.TouchDevice(ctx, dev.ID); err != nil {
		return nil, err
	}
	return newHandle(dev.ID, dev.OwnerID, kp, sp), nil
}

// Revoke flips the device to its terminal state and destroys the local
// private key material. Callers must follow up with a DEK rotation on every
// item the device could decrypt.
func (m *Manager) Revoke(ctx context.Context, deviceID string) error {
	if err := m.store.RevokeDevice(ctx, deviceID); err != nil {
		return err
	}
	if err := m.keystore.remove(deviceID); err != nil {
		return fmt.Errorf("keys: revoked but keystore cleanup failed: %w", err)
	}
	return nil
}

var errHandleClosed = errors.New("keys: handle closed")
