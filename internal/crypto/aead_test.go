package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := randBytes(t, 32)
	pt := randBytes(t, 4096)
	aad := []byte("context")
	ct, err := SealX(key, pt, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := OpenX(key, ct, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(pt, out) {
		t.Fatal("plaintext mismatch")
	}
}

func TestSealOpenAADMismatch(t *testing.T) {
	key := randBytes(t, 32)
	ct, err := SealX(key, []byte("secret-data"), []byte("aad-1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenX(key, ct, []byte("aad-2")); err == nil {
		t.Fatal("expected auth failure with mismatched AAD")
	}
}

func TestSealOpenTruncation(t *testing.T) {
	key := randBytes(t, 32)
	ct, err := SealX(key, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenX(key, ct[:len(ct)-1], nil); err == nil {
		t.Fatal("expected failure on truncated ciphertext")
	}
}

func TestAtRestRoundTrip(t *testing.T) {
	key := randBytes(t, 32)
	pt := randBytes(t, 64)
	aad := []byte("keystore:device-1")
	ct, err := SealAtRest(key, pt, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := OpenAtRest(key, ct, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(pt, out) {
		t.Fatal("plaintext mismatch")
	}
	ct2, err := SealAtRest(key, pt, aad)
	if err != nil {
		t.Fatalf("seal2: %v", err)
	}
	if bytes.Equal(ct[:deriveSaltSize], ct2[:deriveSaltSize]) {
		t.Fatal("expected distinct salts")
	}
}

func FuzzOpenXRejectMutations(f *testing.F) {
	f.Add([]byte("hello"), []byte("aad"))
	f.Add([]byte(""), []byte(""))
	f.Fuzz(func(t *testing.T, pt, aad []byte) {
		key := randBytes(t, 32)
		ct, err := SealX(key, pt, aad)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if _, err := OpenX(key, ct, aad); err != nil {
			t.Fatalf("open baseline: %v", err)
		}
		mut := append([]byte(nil), ct...)
		idx := len(pt) % len(mut)
		mut[idx] ^= 0xFF
		if _, err := OpenX(key, mut, aad); err == nil {
			t.Fatalf("mutation at %d succeeded", idx)
		}
	})
}
