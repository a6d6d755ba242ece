package recovery

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	cr "quankey/internal/crypto"
	"quankey/internal/envelope"
	"quankey/internal/identity"
	"quankey/internal/keys"
)

const (
	secretSize = 32

	// DefaultKitTTL bounds how long a printed kit stays reconstructable.
	DefaultKitTTL = 365 * 24 * time.Hour
)

// KitState is the explicit recovery state returned to callers; there is no
// server-held session for a recovery flow in progress.
type KitState string

const (
	StateNoKit     KitState = "no_kit"
	StateKitActive KitState = "kit_active"
	StateExpired   KitState = "expired"
)

// Engine generates recovery kits and turns a reconstructed secret back into
// vault access. The secret doubles as the seed of a recovery key pair that
// every vault item is wrapped for, so recovery re-wraps items the same way
// pairing does and never bypasses per-item encryption.
type Engine struct {
	kits     KitStore
	devices  identity.Store
	envelope *envelope.Engine
	keys     *keys.Manager
	sealKey  []byte
	kitTTL   time.Duration
	now      func() time.Time
}

func NewEngine(kits KitStore, devices identity.Store, env *envelope.Engine, km *keys.Manager, sealKey []byte, kitTTL time.Duration) *Engine {
	if kitTTL <= 0 {
		kitTTL = DefaultKitTTL
	}
	return &Engine{
		kits:     kits,
		devices:  devices,
		envelope: env,
		keys:     km,
		sealKey:  sealKey,
		kitTTL:   kitTTL,
		now:      time.Now,
	}
}

// GenerateKit mints a fresh recovery secret, splits it (threshold, total),
// and wraps every vault item for the kit's derived recovery key. Any prior
// active kit is superseded atomically and its recovery key is revoked with a
// full DEK rotation, so old and new shares can never be combined.
func (e *Engine) GenerateKit(ctx context.Context, h *keys.AuthorizedHandle, threshold, total int) (*Kit, []ShareFile, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, err
	}
	defer cr.Zero(secret)

	verifier, err := cr.Verifier(secret)
	if err != nil {
		return nil, nil, err
	}
	recDev, err := e.deriveRecoveryDevice(h.OwnerID(), secret)
	if err != nil {
		return nil, nil, err
	}

	points, err := shamirSplit(secret, threshold, total)
	if err != nil {
		return nil, nil, err
	}

	now := e.now().UTC()
	kit := &Kit{
		ID:               uuid.NewString(),
		OwnerID:          h.OwnerID(),
		Threshold:        threshold,
		TotalShares:      total,
		Verifier:         verifier,
		RecoveryDeviceID: recDev.ID,
		Active:           true,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.kitTTL),
	}

	files := make([]ShareFile, 0, total)
	stored := make([]StoredShare, 0, total)
	for _, p := range points {
		shareID := uuid.NewString()
		f := newShareFile(shareID, kit.ID, p)
		sealed, err := cr.SealAtRest(e.sealKey, p.Data, []byte("share:"+shareID))
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
		stored = append(stored, StoredShare{
			ID:              shareID,
			KitID:           kit.ID,
			Index:           p.Index,
			CiphertextShare: sealed,
			Checksum:        f.Checksum,
		})
	}

	if err := e.devices.AddDevice(ctx, recDev); err != nil {
		return nil, nil, err
	}
	prev, err := e.kits.CreateKit(ctx, kit, stored)
	if err != nil {
		return nil, nil, err
	}
	if err := e.envelope.GrantDeviceAll(ctx, h, recDev); err != nil {
		return nil, nil, err
	}

	// Invalidate the superseded kit's secret for real: revoke its recovery
	// key and rotate every DEK it could unwrap.
	if prev != nil && prev.RecoveryDeviceID != "" {
		if err := e.devices.RevokeDevice(ctx, prev.RecoveryDeviceID); err != nil && err != identity.ErrDeviceNotFound {
			return nil, nil, err
		}
		if err := e.envelope.EvictDevice(ctx, h, prev.RecoveryDeviceID); err != nil {
			return nil, nil, err
		}
	}
	return kit, files, nil
}

// Reconstruct rebuilds the recovery secret from submitted share files.
// Corrupted shares are excluded (reported in rejected), not fatal, as long
// as the threshold is still met. Share selection is deterministic: lowest
// index first.
func (e *Engine) Reconstruct(ctx context.Context, files []ShareFile) (secret []byte, rejected []int, err error) {
	if len(files) == 0 {
		return nil, nil, ErrInsufficientShares
	}
	// The kit lookup anchors on the first checksum-clean file so one corrupt
	// kit ID cannot poison the whole submission.
	kitID := ""
	for i := range files {
		if files[i].Verify() == nil {
			kitID = files[i].KitID
			break
		}
	}
	if kitID == "" {
		return nil, nil, ErrInsufficientShares
	}
	kit, err := e.kits.GetKit(ctx, kitID)
	if err != nil {
		return nil, nil, err
	}
	if kit.Expired(e.now()) {
		return nil, nil, ErrKitExpired
	}
	if !kit.Active {
		return nil, nil, ErrKitSuperseded
	}

	secret, rejected, err = CombineFiles(files, kit.Threshold)
	if err != nil {
		return nil, rejected, err
	}

	verifier, err := cr.Verifier(secret)
	if err != nil {
		return nil, rejected, err
	}
	if subtle.ConstantTimeCompare(verifier, kit.Verifier) != 1 {
		cr.Zero(secret)
		return nil, rejected, ErrSecretMismatch
	}
	return secret, rejected, nil
}

// ProvisionDevice registers a fresh device for the kit's owner and re-wraps
// every vault item for it, using the handle re-derived from the
// reconstructed secret. The recovery secret never becomes a vault key
// itself.
func (e *Engine) ProvisionDevice(ctx context.Context, kitID string, secret []byte, att keys.Attestation) (*identity.Device, error) {
	kit, err := e.kits.GetKit(ctx, kitID)
	if err != nil {
		return nil, err
	}
	if kit.Expired(e.now()) {
		return nil, ErrKitExpired
	}
	if !kit.Active {
		return nil, ErrKitSuperseded
	}
	verifier, err := cr.Verifier(secret)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(verifier, kit.Verifier) != 1 {
		return nil, ErrSecretMismatch
	}

	kemSeed, sigSeed, err := cr.RecoverySeeds(secret)
	if err != nil {
		return nil, err
	}
	defer cr.ZeroAll(kemSeed, sigSeed)
	handle, err := keys.NewDerivedHandle(kit.RecoveryDeviceID, kit.OwnerID, kemSeed, sigSeed)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	newDev, err := e.keys.Register(ctx, kit.OwnerID, att)
	if err != nil {
		return nil, err
	}
	if err := e.envelope.GrantDeviceAll(ctx, handle, newDev); err != nil {
		return nil, err
	}
	return newDev, nil
}

// Status reports the owner's recovery posture as an explicit state value.
func (e *Engine) Status(ctx context.Context, ownerID string) (KitState, *Kit, error) {
	kit, err := e.kits.GetActiveKit(ctx, ownerID)
	if err == ErrKitNotFound {
		return StateNoKit, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if kit.Expired(e.now()) {
		return StateExpired, kit, nil
	}
	return StateKitActive, kit, nil
}

// deriveRecoveryDevice builds the pseudo-device whose key pairs are
// re-derivable from the recovery secret. Its private halves are never
// stored anywhere.
func (e *Engine) deriveRecoveryDevice(ownerID string, secret []byte) (*identity.Device, error) {
	kemSeed, sigSeed, err := cr.RecoverySeeds(secret)
	if err != nil {
		return nil, err
	}
	defer cr.ZeroAll(kemSeed, sigSeed)

	kemKey, err := cr.DeriveKEMKey(kemSeed)
	if err != nil {
		return nil, err
	}
	sigKey, err := cr.DeriveSigningKey(sigSeed)
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

	id := uuid.NewString()
	now := e.now().UTC()
	return &identity.Device{
		ID:           id,
		OwnerID:      ownerID,
		CredentialID: "recovery:" + id,
		PublicKey:    kemPub,
		SigPublicKey: sigPub,
		Label:        "recovery kit",
		RegisteredAt: now,
		LastUsedAt:   now,
	}, nil
}
