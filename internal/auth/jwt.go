package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the wire form of an access token. The custom "did" claim
// pins the token to the device whose assertion earned it.
type tokenClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// JWTSigner issues short-lived API access tokens once a passkey assertion
// has been verified. These tokens only guard the HTTP surface; they never
// touch vault key material.
type JWTSigner struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
}

func NewJWTSigner(priv ed25519.PrivateKey, issuer string, ttl time.Duration) *JWTSigner {
	return &JWTSigner{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    ttl,
	}
}

func GenerateEd25519() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}

// IssueToken mints a token for the given user bound to the given device.
func (s *JWTSigner) IssueToken(sub, deviceID string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.ttl)

	tc := tokenClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        newTokenID(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, tc).SignedString(s.priv)
	return signed, exp, err
}

// ParseAndValidate verifies the signature, issuer, and expiry, and returns
// the claims. Any failure collapses to a single opaque error.
func (s *JWTSigner) ParseAndValidate(tokenStr string) (*Claims, error) {
	var tc tokenClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &tc,
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodEdDSA {
				return nil, errors.New("unexpected signing method")
			}
			return s.pub, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return nil, errors.New("invalid token")
	}

	c := &Claims{
		Sub:       tc.Subject,
		DeviceID:  tc.DeviceID,
		TokenID:   tc.ID,
		ExpiresAt: tc.ExpiresAt.Unix(),
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Unix()
	}
	return c, nil
}

func newTokenID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
