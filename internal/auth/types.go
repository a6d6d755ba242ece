package auth

import "time"

// Claims bind an access token to both a user and the specific device whose
// passkey assertion earned it.
type Claims struct {
	Sub       string `json:"sub"` // user ID
	DeviceID  string `json:"did"`
	TokenID   string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type SignInResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}
