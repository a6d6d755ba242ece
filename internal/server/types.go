package server

import (
	"time"

	"quankey/internal/identity"
)

type signupRequest struct {
	Username     string `json:"username"`
	CredentialID string `json:"credential_id"`
	AttestedKey  []byte `json:"attested_key"`
	Label        string `json:"label"`
}

type challengeRequest struct {
	CredentialID string `json:"credential_id"`
}

type signInRequest struct {
	CredentialID string `json:"credential_id"`
	Challenge    string `json:"challenge"`
	Signature    []byte `json:"signature"`
}

type deviceView struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	Revoked      bool       `json:"revoked"`
}

func toDeviceView(d identity.Device) deviceView {
	v := deviceView{
		ID:           d.ID,
		Label:        d.Label,
		RegisteredAt: d.RegisteredAt,
		Revoked:      d.Revoked,
	}
	if !d.LastUsedAt.IsZero() {
		t := d.LastUsedAt
		v.LastUsedAt = &t
	}
	return v
}

type revokeRequest struct {
	DeviceID string `json:"device_id"`
}

type itemRequest struct {
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields"`
}

type itemMetaView struct {
	ID        string    `json:"id"`
	Algorithm string    `json:"algorithm"`
	Version   int64     `json:"version"`
	Devices   int       `json:"devices"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type itemView struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Fields  map[string]string `json:"fields"`
	Version int64             `json:"version"`
}

type kitRequest struct {
	Threshold int `json:"threshold"`
	Total     int `json:"total"`
}

type shareFileView struct {
	FileName string `json:"file_name"`
	Content  []byte `json:"content"`
}

type kitResponse struct {
	KitID     string          `json:"kit_id"`
	Threshold int             `json:"threshold"`
	Total     int             `json:"total"`
	ExpiresAt time.Time       `json:"expires_at"`
	Shares    []shareFileView `json:"shares"`
}

type kitStatusResponse struct {
	State     string     `json:"state"`
	KitID     string     `json:"kit_id,omitempty"`
	Threshold int        `json:"threshold,omitempty"`
	Total     int        `json:"total,omitempty"`
	Escrowed  int        `json:"escrowed_shares,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type reconstructRequest struct {
	Shares [][]byte `json:"shares"`
}

type reconstructResponse struct {
	KitID          string `json:"kit_id"`
	Secret         []byte `json:"secret"`
	RejectedShares []int  `json:"rejected_shares,omitempty"`
}

type provisionRequest struct {
	KitID        string `json:"kit_id"`
	Secret       []byte `json:"secret"`
	CredentialID string `json:"credential_id"`
	AttestedKey  []byte `json:"attested_key"`
	Label        string `json:"label"`
}

type pairCreateResponse struct {
	Token     string    `json:"token"`
	QR        string    `json:"qr"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pairJoinRequest struct {
	Token        string `json:"token"`
	PublicKey    []byte `json:"public_key"`
	SigPublicKey []byte `json:"sig_public_key"`
	CredentialID string `json:"credential_id"`
	Label        string `json:"label"`
}

type pairTokenRequest struct {
	Token string `json:"token"`
}
