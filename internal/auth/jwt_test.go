package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidateToken(t *testing.T) {
	priv, _, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	s := NewJWTSigner(priv, "quankey-test", 5*time.Minute)

	tok, exp, err := s.IssueToken("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatal("token already expired")
	}

	claims, err := s.ParseAndValidate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Sub != "user-1" || claims.DeviceID != "device-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.TokenID == "" {
		t.Fatal("missing jti")
	}
}

func TestRejectTokenFromOtherKey(t *testing.T) {
	privA, _, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	privB, _, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signerA := NewJWTSigner(privA, "quankey-test", time.Minute)
	signerB := NewJWTSigner(privB, "quankey-test", time.Minute)

	tok, _, err := signerA.IssueToken("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := signerB.ParseAndValidate(tok); err == nil {
		t.Fatal("foreign token accepted")
	}
}

func TestRejectExpiredToken(t *testing.T) {
	priv, _, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	s := NewJWTSigner(priv, "quankey-test", -time.Minute)

	tok, _, err := s.IssueToken("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.ParseAndValidate(tok); err == nil {
		t.Fatal("expired token accepted")
	}
}
