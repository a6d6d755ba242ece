package storage

import (
	"bytes"
	"context"
	"sync"
	"time"

	"quankey/internal/envelope"
	"quankey/internal/identity"
	"quankey/internal/pairing"
	"quankey/internal/recovery"
)

// Memory implements all four keyed stores in process memory. It backs tests
// and single-node development; the mutex gives it the same conditional-
// update semantics as the Mongo store.
type Memory struct {
	mu       sync.Mutex
	users    map[string]identity.UserIdentity
	devices  map[string]identity.Device
	items    map[string]envelope.Item
	kits     map[string]recovery.Kit
	shares   map[string][]recovery.StoredShare
	sessions map[string]pairing.Session
}

func NewMemory() *Memory {
	return &Memory{
		users:    map[string]identity.UserIdentity{},
		devices:  map[string]identity.Device{},
		items:    map[string]envelope.Item{},
		kits:     map[string]recovery.Kit{},
		shares:   map[string][]recovery.StoredShare{},
		sessions: map[string]pairing.Session{},
	}
}

// ---------- users ----------

func (m *Memory) AddUser(_ context.Context, u *identity.UserIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.users {
		if ex.Username == u.Username {
			return identity.ErrUsernameTaken
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*identity.UserIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	clone := u
	return &clone, nil
}

func (m *Memory) FindUserByUsername(_ context.Context, username string) (*identity.UserIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			clone := u
			return &clone, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

// ---------- devices ----------

func (m *Memory) AddDevice(_ context.Context, d *identity.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.devices {
		if bytes.Equal(ex.PublicKey, d.PublicKey) || ex.CredentialID == d.CredentialID {
			return identity.ErrDuplicateKey
		}
	}
	m.devices[d.ID] = cloneDevice(*d)
	return nil
}

func (m *Memory) GetDevice(_ context.Context, id string) (*identity.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, identity.ErrDeviceNotFound
	}
	clone := cloneDevice(d)
	return &clone, nil
}

func (m *Memory) FindDeviceByCredential(_ context.Context, credentialID string) (*identity.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.CredentialID == credentialID {
			clone := cloneDevice(d)
			return &clone, nil
		}
	}
	return nil, identity.ErrDeviceNotFound
}

func (m *Memory) ListDevices(_ context.Context, ownerID string) ([]identity.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.Device
	for _, d := range m.devices {
		if d.OwnerID == ownerID {
			out = append(out, cloneDevice(d))
		}
	}
	return out, nil
}

func (m *Memory) TouchDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return identity.ErrDeviceNotFound
	}
	d.LastUsedAt = time.Now().UTC()
	m.devices[id] = d
	return nil
}

func (m *Memory) RevokeDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return identity.ErrDeviceNotFound
	}
	if d.Revoked {
		return identity.ErrDeviceRevoked
	}
	d.Revoked = true
	m.devices[id] = d
	return nil
}

// ---------- vault items ----------

func (m *Memory) Insert(_ context.Context, it *envelope.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.ID] = cloneItem(*it)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*envelope.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, envelope.ErrItemNotFound
	}
	clone := cloneItem(it)
	return &clone, nil
}

func (m *Memory) ListByOwner(_ context.Context, ownerID string) ([]envelope.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []envelope.Item
	for _, it := range m.items {
		if it.OwnerID == ownerID {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

func (m *Memory) UpdateVersioned(_ context.Context, it *envelope.Item, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if !ok {
		return envelope.ErrItemNotFound
	}
	if cur.Version != expectedVersion {
		return envelope.ErrVersionConflict
	}
	m.items[it.ID] = cloneItem(*it)
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// ---------- recovery kits ----------

func (m *Memory) CreateKit(_ context.Context, k *recovery.Kit, shares []recovery.StoredShare) (*recovery.Kit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev *recovery.Kit
	for id, ex := range m.kits {
		if ex.OwnerID == k.OwnerID && ex.Active {
			ex.Active = false
			m.kits[id] = ex
			clone := ex
			prev = &clone
		}
	}
	m.kits[k.ID] = *k
	m.shares[k.ID] = append([]recovery.StoredShare(nil), shares...)
	return prev, nil
}

func (m *Memory) GetKit(_ context.Context, id string) (*recovery.Kit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kits[id]
	if !ok {
		return nil, recovery.ErrKitNotFound
	}
	clone := k
	return &clone, nil
}

func (m *Memory) GetActiveKit(_ context.Context, ownerID string) (*recovery.Kit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.kits {
		if k.OwnerID == ownerID && k.Active {
			clone := k
			return &clone, nil
		}
	}
	return nil, recovery.ErrKitNotFound
}

func (m *Memory) ListShares(_ context.Context, kitID string) ([]recovery.StoredShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recovery.StoredShare(nil), m.shares[kitID]...), nil
}

// ---------- pairing sessions ----------

func (m *Memory) Sessions() pairing.SessionStore { return memorySessions{m} }

type memorySessions struct{ m *Memory }

func (s memorySessions) Insert(_ context.Context, sess *pairing.Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.sessions[sess.Token] = *sess
	return nil
}

func (s memorySessions) Get(_ context.Context, token string) (*pairing.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[token]
	if !ok {
		return nil, pairing.ErrTokenNotFound
	}
	clone := sess
	return &clone, nil
}

func (s memorySessions) CAS(_ context.Context, sess *pairing.Session, prev []pairing.State) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.sessions[sess.Token]
	if !ok {
		return pairing.ErrTokenNotFound
	}
	for _, p := range prev {
		if cur.State == p {
			s.m.sessions[sess.Token] = *sess
			return nil
		}
	}
	return pairing.ErrCASConflict
}

func (s memorySessions) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for tok, sess := range s.m.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.m.sessions, tok)
			n++
		}
	}
	return n, nil
}

func cloneDevice(d identity.Device) identity.Device {
	d.PublicKey = append([]byte(nil), d.PublicKey...)
	d.SigPublicKey = append([]byte(nil), d.SigPublicKey...)
	return d
}

func cloneItem(it envelope.Item) envelope.Item {
	it.Ciphertext = append([]byte(nil), it.Ciphertext...)
	it.Nonce = append([]byte(nil), it.Nonce...)
	wraps := make(map[string]envelope.Wrap, len(it.Wraps))
	for k, w := range it.Wraps {
		wraps[k] = envelope.Wrap{
			KEMCiphertext: append([]byte(nil), w.KEMCiphertext...),
			DEKWrap:       append([]byte(nil), w.DEKWrap...),
		}
	}
	it.Wraps = wraps
	return it
}
