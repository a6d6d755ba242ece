package envelope

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	cr "quankey/internal/crypto"
	"quankey/internal/identity"
	"quankey/internal/keys"
)

// conflictRetries bounds the optimistic-lock retry loop on per-item writes.
const conflictRetries = 3

// Engine encrypts and decrypts vault items against device public keys.
type Engine struct {
	items   ItemStore
	devices identity.Store
}

func NewEngine(items ItemStore, devices identity.Store) *Engine {
	return &Engine{items: items, devices: devices}
}

// Encrypt seals plaintext under a fresh DEK and wraps the DEK for every
// listed device. All devices must be active; an empty target set is an
// invariant violation and nothing is persisted.
func (e *Engine) Encrypt(ctx context.Context, ownerID string, plaintext []byte, deviceIDs []string) (*Item, error) {
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("%w: item must have at least one wrap", ErrInvariantViolation)
	}

	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	defer cr.Zero(dek)

	id := uuid.NewString()
	now := time.Now().UTC()
	it := &Item{
		ID:        id,
		OwnerID:   ownerID,
		Wraps:     make(map[string]Wrap, len(deviceIDs)),
		Algorithm: Algorithm,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.seal(it, dek, plaintext); err != nil {
		return nil, err
	}
	for _, devID := range deviceIDs {
		dev, err := e.devices.GetDevice(ctx, devID)
		if err != nil {
			return nil, err
		}
		if dev.Revoked {
			return nil, fmt.Errorf("encrypt for %s: %w", devID, identity.ErrDeviceRevoked)
		}
		w, err := wrapDEK(dek, it.ID, dev)
		if err != nil {
			return nil, err
		}
		it.Wraps[dev.ID] = w
	}

	if err := e.items.Insert(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// Decrypt recovers an item's plaintext for the device behind the handle.
func (e *Engine) Decrypt(ctx context.Context, itemID string, h *keys.AuthorizedHandle) ([]byte, error) {
	it, err := e.items.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	dev, err := e.devices.GetDevice(ctx, h.DeviceID())
	if err != nil {
		return nil, err
	}
	if dev.Revoked {
		return nil, identity.ErrDeviceRevoked
	}
	dek, err := unwrapDEK(it, h)
	if err != nil {
		return nil, err
	}
	defer cr.Zero(dek)
	return e.open(it, dek)
}

// Update re-encrypts the whole envelope with a fresh DEK and fresh wraps for
// every device currently holding one. No partial re-wrap of old ciphertext.
func (e *Engine) Update(ctx context.Context, itemID string, h *keys.AuthorizedHandle, plaintext []byte) error {
	for attempt := 0; ; attempt++ {
		it, err := e.items.Get(ctx, itemID)
		if err != nil {
			return err
		}
		dek, err := unwrapDEK(it, h)
		if err != nil {
			return err
		}
		cr.Zero(dek)

		targets := make([]string, 0, len(it.Wraps))
		for devID := range it.Wraps {
			targets = append(targets, devID)
		}
		if err := e.reseal(ctx, it, plaintext, targets); err != nil {
			return err
		}
		err = e.items.UpdateVersioned(ctx, it, it.Version-1)
		if err == nil || attempt >= conflictRetries {
			return err
		}
		if err != ErrVersionConflict {
			return err
		}
	}
}

// GrantDevice extends an item's access set to a new device. The DEK itself
// never changes: the calling device unwraps it and a fresh wrap is
// encapsulated for the newcomer.
func (e *Engine) GrantDevice(ctx context.Context, itemID string, h *keys.AuthorizedHandle, newDev *identity.Device) error {
	if newDev.Revoked {
		return identity.ErrDeviceRevoked
	}
	for attempt := 0; ; attempt++ {
		it, err := e.items.Get(ctx, itemID)
		if err != nil {
			return err
		}
		if _, ok := it.Wraps[newDev.ID]; ok {
			return nil
		}
		dek, err := unwrapDEK(it, h)
		if err != nil {
			return err
		}
		w, err := wrapDEK(dek, it.ID, newDev)
		cr.Zero(dek)
		if err != nil {
			return err
		}
		it.Wraps[newDev.ID] = w
		expected := it.Version
		it.Version++
		it.UpdatedAt = time.Now().UTC()

		err = e.items.UpdateVersioned(ctx, it, expected)
		if err == nil || attempt >= conflictRetries {
			return err
		}
		if err != ErrVersionConflict {
			return err
		}
	}
}

// GrantDeviceAll re-wraps every item the owner has for a newly enrolled
// device. This is the terminal step of both pairing and recovery.
func (e *Engine) GrantDeviceAll(ctx context.Context, h *keys.AuthorizedHandle, newDev *identity.Device) error {
	items, err := e.items.ListByOwner(ctx, newDev.OwnerID)
	if err != nil {
		return err
	}
	for i := range items {
		if err := e.GrantDevice(ctx, items[i].ID, h, newDev); err != nil {
			return fmt.Errorf("re-wrap item %s: %w", items[i].ID, err)
		}
	}
	return nil
}

// EvictDevice removes a revoked device's wraps from every owner item. A wrap
// removal always forces a DEK rotation: the old DEK is replayable by the
// revoked device against cached ciphertext, so the whole envelope is
// re-encrypted under a fresh DEK for the remaining active devices.
func (e *Engine) EvictDevice(ctx context.Context, h *keys.AuthorizedHandle, revokedDeviceID string) error {
	items, err := e.items.ListByOwner(ctx, h.OwnerID())
	if err != nil {
		return err
	}
	for i := range items {
		if _, ok := items[i].Wraps[revokedDeviceID]; !ok {
			continue
		}
		if err := e.rotate(ctx, items[i].ID, h, revokedDeviceID); err != nil {
			return fmt.Errorf("rotate item %s: %w", items[i].ID, err)
		}
	}
	return nil
}

func (e *Engine) Delete(ctx context.Context, itemID string) error {
	return e.items.Delete(ctx, itemID)
}

// rotate re-encrypts one item under a fresh DEK, dropping the evicted
// device from the wrap set.
func (e *Engine) rotate(ctx context.Context, itemID string, h *keys.AuthorizedHandle, evictID string) error {
	for attempt := 0; ; attempt++ {
		it, err := e.items.Get(ctx, itemID)
		if err != nil {
			return err
		}
		dek, err := unwrapDEK(it, h)
		if err != nil {
			return err
		}
		plaintext, err := e.open(it, dek)
		cr.Zero(dek)
		if err != nil {
			return err
		}

		targets := make([]string, 0, len(it.Wraps))
		for devID := range it.Wraps {
			if devID != evictID {
				targets = append(targets, devID)
			}
		}
		err = e.reseal(ctx, it, plaintext, targets)
		cr.Zero(plaintext)
		if err != nil {
			return err
		}
		err = e.items.UpdateVersioned(ctx, it, it.Version-1)
		if err == nil || attempt >= conflictRetries {
			return err
		}
		if err != ErrVersionConflict {
			return err
		}
	}
}

// reseal replaces an item's ciphertext and wrap set in place with a fresh
// DEK for the given target devices, bumping the version.
func (e *Engine) reseal(ctx context.Context, it *Item, plaintext []byte, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return fmt.Errorf("%w: reseal would leave zero wraps", ErrInvariantViolation)
	}
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return err
	}
	defer cr.Zero(dek)

	if err := e.seal(it, dek, plaintext); err != nil {
		return err
	}
	wraps := make(map[string]Wrap, len(deviceIDs))
	for _, devID := range deviceIDs {
		dev, err := e.devices.GetDevice(ctx, devID)
		if err != nil {
			return err
		}
		if dev.Revoked {
			continue
		}
		w, err := wrapDEK(dek, it.ID, dev)
		if err != nil {
			return err
		}
		wraps[dev.ID] = w
	}
	if len(wraps) == 0 {
		return fmt.Errorf("%w: reseal would leave zero wraps", ErrInvariantViolation)
	}
	it.Wraps = wraps
	it.Version++
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (e *Engine) seal(it *Item, dek, plaintext []byte) error {
	sealed, err := cr.SealX(dek, plaintext, itemAAD(it.ID))
	if err != nil {
		return err
	}
	it.Nonce = sealed[:cr.NonceSizeX]
	it.Ciphertext = sealed[cr.NonceSizeX:]
	return nil
}

func (e *Engine) open(it *Item, dek []byte) ([]byte, error) {
	sealed := make([]byte, 0, len(it.Nonce)+len(it.Ciphertext))
	sealed = append(sealed, it.Nonce...)
	sealed = append(sealed, it.Ciphertext...)
	pt, err := cr.OpenX(dek, sealed, itemAAD(it.ID))
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	return pt, nil
}

func wrapDEK(dek []byte, itemID string, dev *identity.Device) (Wrap, error) {
	kemCT, shared, err := cr.Encapsulate(dev.PublicKey)
	if err != nil {
		return Wrap{}, err
	}
	defer cr.Zero(shared)
	wk, err := cr.WrapKey(shared, itemID, dev.ID)
	if err != nil {
		return Wrap{}, err
	}
	defer cr.Zero(wk)
	dekWrap, err := cr.SealX(wk, dek, wrapAAD(itemID, dev.ID))
	if err != nil {
		return Wrap{}, err
	}
	return Wrap{KEMCiphertext: kemCT, DEKWrap: dekWrap}, nil
}

func unwrapDEK(it *Item, h *keys.AuthorizedHandle) ([]byte, error) {
	w, ok := it.Wraps[h.DeviceID()]
	if !ok {
		return nil, fmt.Errorf("item %s, device %s: %w", it.ID, h.DeviceID(), ErrWrapNotFound)
	}
	shared, err := h.Decapsulate(w.KEMCiphertext)
	if err != nil {
		return nil, err
	}
	defer cr.Zero(shared)
	wk, err := cr.WrapKey(shared, it.ID, h.DeviceID())
	if err != nil {
		return nil, err
	}
	defer cr.Zero(wk)
	dek, err := cr.OpenX(wk, w.DEKWrap, wrapAAD(it.ID, h.DeviceID()))
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	return dek, nil
}

func itemAAD(id string) []byte            { return []byte("item:" + id) }
func wrapAAD(itemID, devID string) []byte { return []byte("dek-wrap:" + itemID + ":" + devID) }
