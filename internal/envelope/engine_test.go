package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"quankey/internal/identity"
	"quankey/internal/keys"
)

// memStore is a minimal in-process identity.Store plus ItemStore for engine
// tests. The real Mongo-backed store lives in internal/storage.
type memStore struct {
	mu      sync.Mutex
	users   map[string]identity.UserIdentity
	devices map[string]identity.Device
	items   map[string]Item
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[string]identity.UserIdentity{},
		devices: map[string]identity.Device{},
		items:   map[string]Item{},
	}
}

func (s *memStore) AddUser(_ context.Context, u *identity.UserIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *memStore) GetUser(_ context.Context, id string) (*identity.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return &u, nil
}

func (s *memStore) FindUserByUsername(_ context.Context, username string) (*identity.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := u
			return &cp, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (s *memStore) AddDevice(_ context.Context, d *identity.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = *d
	return nil
}

func (s *memStore) GetDevice(_ context.Context, id string) (*identity.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, identity.ErrDeviceNotFound
	}
	return &d, nil
}

func (s *memStore) FindDeviceByCredential(_ context.Context, credentialID string) (*identity.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.CredentialID == credentialID {
			cp := d
			return &cp, nil
		}
	}
	return nil, identity.ErrDeviceNotFound
}

func (s *memStore) ListDevices(_ context.Context, ownerID string) ([]identity.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []identity.Device
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) TouchDevice(_ context.Context, id string) error { return nil }

func (s *memStore) RevokeDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return identity.ErrDeviceNotFound
	}
	d.Revoked = true
	s.devices[id] = d
	return nil
}

func cloneItem(it Item) Item {
	cp := it
	cp.Ciphertext = append([]byte(nil), it.Ciphertext...)
	cp.Nonce = append([]byte(nil), it.Nonce...)
	cp.Wraps = make(map[string]Wrap, len(it.Wraps))
	for k, v := range it.Wraps {
		cp.Wraps[k] = Wrap{
			KEMCiphertext: append([]byte(nil), v.KEMCiphertext...),
			DEKWrap:       append([]byte(nil), v.DEKWrap...),
		}
	}
	return cp
}

func (s *memStore) Insert(_ context.Context, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = cloneItem(*it)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := cloneItem(it)
	return &cp, nil
}

func (s *memStore) ListByOwner(_ context.Context, ownerID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if it.OwnerID == ownerID {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

func (s *memStore) UpdateVersioned(_ context.Context, it *Item, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[it.ID]
	if !ok || cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.items[it.ID] = cloneItem(*it)
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(s.items, id)
	return nil
}

func randomBytes(tb testing.TB, n int) []byte {
	tb.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		tb.Fatalf("rand.Read: %v", err)
	}
	return b
}

func newTestRig(t *testing.T) (*Engine, *keys.Manager, *memStore) {
	t.Helper()
	st := newMemStore()
	ks, err := keys.NewKeystore(t.TempDir(), randomBytes(t, 32))
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	return NewEngine(st, st), keys.NewManager(st, ks), st
}

func enroll(t *testing.T, mgr *keys.Manager, owner, cred string) (*identity.Device, *keys.AuthorizedHandle) {
	t.Helper()
	ctx := context.Background()
	dev, err := mgr.Register(ctx, owner, keys.Attestation{
		CredentialID: cred,
		AttestedKey:  randomBytes(t, 32),
		Label:        cred,
	})
	if err != nil {
		t.Fatalf("register %s: %v", cred, err)
	}
	h, err := mgr.AuthorizeUse(ctx, keys.Assertion{CredentialID: cred, UserVerified: true})
	if err != nil {
		t.Fatalf("authorize %s: %v", cred, err)
	}
	t.Cleanup(h.Close)
	return dev, h
}

func TestEncryptDecryptAllDevices(t *testing.T) {
	eng, mgr, _ := newTestRig(t)
	ctx := context.Background()

	var ids []string
	var handles []*keys.AuthorizedHandle
	for _, cred := range []string{"cred-a", "cred-b", "cred-c"} {
		dev, h := enroll(t, mgr, "owner-1", cred)
		ids = append(ids, dev.ID)
		handles = append(handles, h)
	}

	plaintext := []byte(`{"type":"login","fields":{"password":"hunter2"}}`)
	it, err := eng.Encrypt(ctx, "owner-1", plaintext, ids)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if it.Algorithm != Algorithm {
		t.Fatalf("algorithm = %q", it.Algorithm)
	}
	if len(it.Wraps) != 3 {
		t.Fatalf("wraps = %d, want 3", len(it.Wraps))
	}
	if bytes.Contains(it.Ciphertext, []byte("hunter2")) {
		t.Fatal("plaintext visible in ciphertext")
	}

	for i, h := range handles {
		got, err := eng.Decrypt(ctx, it.ID, h)
		if err != nil {
			t.Fatalf("decrypt via device %d: %v", i, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("device %d roundtrip mismatch", i)
		}
	}
}

func TestEncryptRequiresDevices(t *testing.T) {
	eng, _, _ := newTestRig(t)
	if _, err := eng.Encrypt(context.Background(), "owner-1", []byte("x"), nil); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
}

func TestDecryptWithoutWrap(t *testing.T) {
	eng, mgr, _ := newTestRig(t)
	ctx := context.Background()

	devA, _ := enroll(t, mgr, "owner-1", "cred-a")
	_, hB := enroll(t, mgr, "owner-1", "cred-b")

	it, err := eng.Encrypt(ctx, "owner-1", []byte("secret"), []string{devA.ID})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := eng.Decrypt(ctx, it.ID, hB); !errors.Is(err, ErrWrapNotFound) {
		t.Fatalf("err = %v, want ErrWrapNotFound", err)
	}
}

func TestRevocationRotatesDEK(t *testing.T) {
	eng, mgr, st := newTestRig(t)
	ctx := context.Background()

	devA, hA := enroll(t, mgr, "owner-1", "cred-a")
	devB, hB := enroll(t, mgr, "owner-1", "cred-b")

	plaintext := []byte("rotate me")
	it, err := eng.Encrypt(ctx, "owner-1", plaintext, []string{devA.ID, devB.ID})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	before, err := st.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := mgr.Revoke(ctx, devB.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := eng.EvictDevice(ctx, hA, devB.ID); err != nil {
		t.Fatalf("evict: %v", err)
	}

	after, err := st.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get after evict: %v", err)
	}
	if _, ok := after.Wraps[devB.ID]; ok {
		t.Fatal("revoked device still has a wrap")
	}
	if after.Version <= before.Version {
		t.Fatalf("version not bumped: %d -> %d", before.Version, after.Version)
	}
	if bytes.Equal(after.Ciphertext, before.Ciphertext) {
		t.Fatal("ciphertext unchanged after rotation, DEK was not replaced")
	}
	if bytes.Equal(after.Wraps[devA.ID].DEKWrap, before.Wraps[devA.ID].DEKWrap) {
		t.Fatal("surviving wrap unchanged after rotation")
	}

	// Revoked device is refused before any unwrap is attempted.
	if _, err := eng.Decrypt(ctx, it.ID, hB); !errors.Is(err, identity.ErrDeviceRevoked) {
		t.Fatalf("revoked decrypt err = %v, want ErrDeviceRevoked", err)
	}

	got, err := eng.Decrypt(ctx, it.ID, hA)
	if err != nil {
		t.Fatalf("surviving device decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("plaintext changed across rotation")
	}
}

func TestUpdateResealsUnderFreshDEK(t *testing.T) {
	eng, mgr, st := newTestRig(t)
	ctx := context.Background()

	devA, hA := enroll(t, mgr, "owner-1", "cred-a")
	it, err := eng.Encrypt(ctx, "owner-1", []byte("v1"), []string{devA.ID})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if err := eng.Update(ctx, it.ID, hA, []byte("v2")); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := eng.Decrypt(ctx, it.ID, hA)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("plaintext = %q, want v2", got)
	}
	cur, err := st.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Version != 2 {
		t.Fatalf("version = %d, want 2", cur.Version)
	}
}

func TestGrantDeviceIdempotent(t *testing.T) {
	eng, mgr, st := newTestRig(t)
	ctx := context.Background()

	devA, hA := enroll(t, mgr, "owner-1", "cred-a")
	devB, hB := enroll(t, mgr, "owner-1", "cred-b")

	it, err := eng.Encrypt(ctx, "owner-1", []byte("shared"), []string{devA.ID})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if err := eng.GrantDevice(ctx, it.ID, hA, devB); err != nil {
		t.Fatalf("grant: %v", err)
	}
	afterFirst, _ := st.Get(ctx, it.ID)
	if err := eng.GrantDevice(ctx, it.ID, hA, devB); err != nil {
		t.Fatalf("second grant: %v", err)
	}
	afterSecond, _ := st.Get(ctx, it.ID)
	if afterSecond.Version != afterFirst.Version {
		t.Fatal("idempotent grant bumped the version")
	}

	// Grant re-wraps the existing DEK, it does not rotate.
	if !bytes.Equal(afterFirst.Ciphertext, it.Ciphertext) {
		t.Fatal("grant rotated the payload ciphertext")
	}

	got, err := eng.Decrypt(ctx, it.ID, hB)
	if err != nil {
		t.Fatalf("granted device decrypt: %v", err)
	}
	if string(got) != "shared" {
		t.Fatalf("plaintext = %q", got)
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	eng, mgr, st := newTestRig(t)
	ctx := context.Background()

	devA, hA := enroll(t, mgr, "owner-1", "cred-a")
	it, err := eng.Encrypt(ctx, "owner-1", []byte("tamper target"), []string{devA.ID})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	st.mu.Lock()
	stored := st.items[it.ID]
	stored.Ciphertext[0] ^= 0x01
	st.items[it.ID] = stored
	st.mu.Unlock()

	if _, err := eng.Decrypt(ctx, it.ID, hA); !errors.Is(err, ErrIntegrityFailure) {
		t.Fatalf("err = %v, want ErrIntegrityFailure", err)
	}
}

func TestDeleteItem(t *testing.T) {
	eng, mgr, _ := newTestRig(t)
	ctx := context.Background()

	devA, hA := enroll(t, mgr, "owner-1", "cred-a")
	it, err := eng.Encrypt(ctx, "owner-1", []byte("gone soon"), []string{devA.ID})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := eng.Delete(ctx, it.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := eng.Decrypt(ctx, it.ID, hA); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("err = %v, want ErrItemNotFound", err)
	}
}
