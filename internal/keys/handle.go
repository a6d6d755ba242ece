package keys

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/sign/dilithium/mode3"

	cr "quankey/internal/crypto"
)

// AuthorizedHandle is a passkey-authorized capability over one device's
// private keys. It is never serialized; the keys it fronts do not leave
// process memory.
type AuthorizedHandle struct {
	deviceID string
	ownerID  string
	kemPriv  kem.PrivateKey
	sigPriv  *mode3.PrivateKey
	closed   bool
}

func newHandle(deviceID, ownerID string, kp kem.PrivateKey, sp *mode3.PrivateKey) *AuthorizedHandle {
	return &AuthorizedHandle{deviceID: deviceID, ownerID: ownerID, kemPriv: kp, sigPriv: sp}
}

// NewDerivedHandle builds a handle over key pairs re-derived from seeds.
// This is how a reconstructed recovery secret regains vault access: the
// recovery key pair is never stored, only re-derivable.
func NewDerivedHandle(deviceID, ownerID string, kemSeed, sigSeed []byte) (*AuthorizedHandle, error) {
	kemKey, err := cr.DeriveKEMKey(kemSeed)
	if err != nil {
		return nil, err
	}
	sigKey, err := cr.DeriveSigningKey(sigSeed)
	if err != nil {
		return nil, err
	}
	return newHandle(deviceID, ownerID, kemKey.Priv, sigKey.Priv), nil
}

func (h *AuthorizedHandle) DeviceID() string { return h.deviceID }
func (h *AuthorizedHandle) OwnerID() string  { return h.ownerID }

// Decapsulate recovers the shared key from a KEM ciphertext addressed to
// this device.
func (h *AuthorizedHandle) Decapsulate(ciphertext []byte) ([]byte, error) {
	if h.closed {
		return nil, errHandleClosed
	}
	return cr.Decapsulate(h.kemPriv, ciphertext)
}

// Sign signs msg with the device's Dilithium3 key.
func (h *AuthorizedHandle) Sign(msg []byte) ([]byte, error) {
	if h.closed {
		return nil, errHandleClosed
	}
	return cr.Sign(h.sigPriv, msg), nil
}

// Close drops the key references. The handle is unusable afterwards.
func (h *AuthorizedHandle) Close() {
	h.closed = true
	h.kemPriv = nil
	h.sigPriv = nil
}
