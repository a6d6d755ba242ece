package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

var ErrBadQRPayload = errors.New("pairing: malformed QR payload")

// QRPayload is what the issuer device renders as a scannable code: the
// session token and its hard expiry, nothing else. Never key material.
type QRPayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Encode serializes the payload into a compact base64url string suitable
// for QR rendering.
func (p QRPayload) Encode() string {
	b, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeQRPayload(s string) (QRPayload, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return QRPayload{}, ErrBadQRPayload
	}
	var p QRPayload
	if err := json.Unmarshal(b, &p); err != nil || p.Token == "" {
		return QRPayload{}, ErrBadQRPayload
	}
	return p, nil
}
