package keys

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	cr "quankey/internal/crypto"
)

// Keystore holds device private keys in per-device files, each sealed under
// the keystore key. Files are created 0600 and never overwritten.
type Keystore struct {
	dir     string
	sealKey []byte
}

type keyFile struct {
	KEMPriv []byte `json:"kem_priv"`
	SigPriv []byte `json:"sig_priv"`
}

func NewKeystore(dir string, sealKey []byte) (*Keystore, error) {
	if len(sealKey) != 32 {
		return nil, errors.New("keys: keystore seal key must be 32 bytes")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	k := &Keystore{dir: dir, sealKey: make([]byte, 32)}
	copy(k.sealKey, sealKey)
	_ = cr.LockMemory(k.sealKey)
	return k, nil
}

func (k *Keystore) path(deviceID string) string {
	return filepath.Join(k.dir, deviceID+".key")
}

func (k *Keystore) save(deviceID string, kemPriv, sigPriv []byte) error {
	pt, err := json.Marshal(keyFile{KEMPriv: kemPriv, SigPriv: sigPriv})
	if err != nil {
		return err
	}
	defer cr.Zero(pt)
	sealed, err := cr.SealAtRest(k.sealKey, pt, []byte("keystore:"+deviceID))
	if err != nil {
		return err
	}
	f, err := os.OpenFile(k.path(deviceID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(sealed); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (k *Keystore) load(deviceID string) (kemPriv, sigPriv []byte, err error) {
	sealed, err := os.ReadFile(k.path(deviceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNoPrivateKey
	}
	if err != nil {
		return nil, nil, err
	}
	pt, err := cr.OpenAtRest(k.sealKey, sealed, []byte("keystore:"+deviceID))
	if err != nil {
		return nil, nil, err
	}
	defer cr.Zero(pt)
	var kf keyFile
	if err := json.Unmarshal(pt, &kf); err != nil {
		return nil, nil, err
	}
	_ = cr.LockMemory(kf.KEMPriv)
	_ = cr.LockMemory(kf.SigPriv)
	return kf.KEMPriv, kf.SigPriv, nil
}

func (k *Keystore) remove(deviceID string) error {
	err := os.Remove(k.path(deviceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
