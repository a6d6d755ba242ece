package keys

import "errors"

var (
	ErrAuthorizationDenied = errors.New("keys: passkey authorization denied")
	ErrNoPrivateKey        = errors.New("keys: no private key material for device")
)

// Attestation is the opaque "passkey enrollment succeeded" signal from the
// platform authenticator boundary. The attested key is the authenticator's
// credential key; it authorizes enrollment and is deliberately never used as
// entropy for the device key pair.
type Attestation struct {
	CredentialID string
	AttestedKey  []byte
	Label        string
}

// Assertion is the opaque "passkey ceremony succeeded" signal for an already
// enrolled credential. UserVerified is false when the ceremony failed or was
// cancelled.
type Assertion struct {
	CredentialID string
	UserVerified bool
}
