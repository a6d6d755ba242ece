package auth

import (
	"errors"
	"testing"
)

func TestChallengeSingleUse(t *testing.T) {
	c := NewChallenges()
	nonce, err := c.Issue("cred-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if nonce == "" {
		t.Fatal("empty nonce")
	}

	if err := c.Consume("cred-1", nonce); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := c.Consume("cred-1", nonce); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("replay err = %v, want ErrChallengeNotFound", err)
	}
}

func TestChallengeWrongCredential(t *testing.T) {
	c := NewChallenges()
	nonce, err := c.Issue("cred-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := c.Consume("cred-2", nonce); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("err = %v, want ErrChallengeNotFound", err)
	}
	// A failed attempt burns the nonce too, so it cannot be retried under
	// the right credential afterwards.
	if err := c.Consume("cred-1", nonce); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("err = %v, want ErrChallengeNotFound after burn", err)
	}
}

func TestChallengeUnknownNonce(t *testing.T) {
	c := NewChallenges()
	if err := c.Consume("cred-1", "no-such-nonce"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("err = %v, want ErrChallengeNotFound", err)
	}
}

func TestChallengesAreUnique(t *testing.T) {
	c := NewChallenges()
	a, err := c.Issue("cred-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	b, err := c.Issue("cred-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if a == b {
		t.Fatal("two issued challenges collide")
	}
}
