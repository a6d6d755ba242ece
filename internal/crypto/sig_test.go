package crypto

import "testing"

func TestSignVerify(t *testing.T) {
	k, err := NewSigningKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	pub, err := MarshalSigPublic(k.Pub)
	if err != nil {
		t.Fatalf("marshal pub: %v", err)
	}
	msg := []byte("challenge-bytes")
	sig := Sign(k.Priv, msg)

	ok, err := Verify(pub, msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid signature rejected")
	}

	sig[0] ^= 0xFF
	ok, err = Verify(pub, msg, sig)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Fatal("tampered signature accepted")
	}
}

func TestVerifyRejectsBadPublicKeySize(t *testing.T) {
	if _, err := Verify(make([]byte, SigPublicKeySize-1), []byte("m"), make([]byte, SignatureSize)); err == nil {
		t.Fatal("expected short public key to be rejected")
	}
}
