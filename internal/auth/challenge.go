package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

const (
	challengeSize = 32
	challengeTTL  = 2 * time.Minute
)

var (
	ErrChallengeNotFound = errors.New("auth: unknown or expired challenge")
	ErrBadSignature      = errors.New("auth: challenge signature invalid")
)

// Challenges hands out one-time sign-in nonces. A device proves possession
// of its signing key by signing the nonce; the nonce is consumed whether or
// not verification succeeds, so it can never be replayed.
type Challenges struct {
	mu      sync.Mutex
	pending map[string]challenge
}

type challenge struct {
	credentialID string
	expires      time.Time
}

func NewChallenges() *Challenges {
	return &Challenges{pending: map[string]challenge{}}
}

func (c *Challenges) Issue(credentialID string) (string, error) {
	b := make([]byte, challengeSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	nonce := base64.RawURLEncoding.EncodeToString(b)

	now := time.Now()
	c.mu.Lock()
	for k, ch := range c.pending {
		if now.After(ch.expires) {
			delete(c.pending, k)
		}
	}
	c.pending[nonce] = challenge{credentialID: credentialID, expires: now.Add(challengeTTL)}
	c.mu.Unlock()
	return nonce, nil
}

// Consume removes a pending nonce and reports whether it was valid for the
// credential. Single use: a second Consume of the same nonce always fails.
func (c *Challenges) Consume(credentialID, nonce string) error {
	c.mu.Lock()
	ch, ok := c.pending[nonce]
	delete(c.pending, nonce)
	c.mu.Unlock()
	if !ok || time.Now().After(ch.expires) || ch.credentialID != credentialID {
		return ErrChallengeNotFound
	}
	return nil
}
