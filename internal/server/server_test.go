package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	cr "quankey/internal/crypto"
	"quankey/internal/keys"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	key := func() []byte {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
		return b
	}
	return Config{
		KeystoreDir: t.TempDir(),
		KeySealKey:  key(),
		KitSealKey:  key(),
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewInMemory(testConfig(t))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, token string, body any, want int) map[string]any {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s = %d, want %d (body %s)", method, url, resp.StatusCode, want, raw)
	}
	var out map[string]any
	if len(raw) > 0 && json.Valid(raw) {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func signup(t *testing.T, baseURL, username string) (token, deviceID string) {
	t.Helper()
	att := make([]byte, 32)
	if _, err := rand.Read(att); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	out := doJSON(t, http.MethodPost, baseURL+"/api/signup", "", map[string]any{
		"username":      username,
		"credential_id": "cred-" + username,
		"attested_key":  att,
		"label":         "test device",
	}, http.StatusCreated)
	dev := out["device"].(map[string]any)
	return out["token"].(string), dev["id"].(string)
}

func TestSignupAndItemRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	token, _ := signup(t, ts.URL, "casey")

	created := doJSON(t, http.MethodPost, ts.URL+"/api/items", token, map[string]any{
		"type":   "login",
		"fields": map[string]string{"site": "example.com", "password": "hunter2"},
	}, http.StatusCreated)
	itemID := created["id"].(string)

	list := doJSON(t, http.MethodGet, ts.URL+"/api/items", token, nil, http.StatusOK)
	if n := len(list["items"].([]any)); n != 1 {
		t.Fatalf("items = %d, want 1", n)
	}

	got := doJSON(t, http.MethodGet, ts.URL+"/api/items/"+itemID, token, nil, http.StatusOK)
	fields := got["fields"].(map[string]any)
	if fields["password"] != "hunter2" {
		t.Fatalf("fields = %v", fields)
	}

	doJSON(t, http.MethodPut, ts.URL+"/api/items/"+itemID, token, map[string]any{
		"type":   "login",
		"fields": map[string]string{"site": "example.com", "password": "correct horse"},
	}, http.StatusOK)
	got = doJSON(t, http.MethodGet, ts.URL+"/api/items/"+itemID, token, nil, http.StatusOK)
	if got["fields"].(map[string]any)["password"] != "correct horse" {
		t.Fatal("update not visible")
	}
}

func TestItemsRequireAuth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/items")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSignInCeremony(t *testing.T) {
	s, ts := newTestServer(t)

	_, deviceID := signup(t, ts.URL, "casey")

	out := doJSON(t, http.MethodPost, ts.URL+"/api/signin/challenge", "", map[string]any{
		"credential_id": "cred-casey",
	}, http.StatusOK)
	nonce := out["challenge"].(string)

	// The platform authenticator side of the ceremony: sign the nonce with
	// the device key.
	h, err := s.keyMgr.AuthorizeUse(context.Background(), keys.Assertion{
		CredentialID: "cred-casey",
		UserVerified: true,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	sig, err := h.Sign([]byte(nonce))
	h.Close()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	out = doJSON(t, http.MethodPost, ts.URL+"/api/signin", "", map[string]any{
		"credential_id": "cred-casey",
		"challenge":     nonce,
		"signature":     sig,
	}, http.StatusOK)
	if out["device_id"] != deviceID {
		t.Fatalf("device_id = %v, want %s", out["device_id"], deviceID)
	}
	if out["token"] == "" {
		t.Fatal("no token issued")
	}
}

func TestSignInRejectsBadSignature(t *testing.T) {
	_, ts := newTestServer(t)

	signup(t, ts.URL, "casey")

	out := doJSON(t, http.MethodPost, ts.URL+"/api/signin/challenge", "", map[string]any{
		"credential_id": "cred-casey",
	}, http.StatusOK)
	nonce := out["challenge"].(string)

	junk := make([]byte, cr.SignatureSize)
	doJSON(t, http.MethodPost, ts.URL+"/api/signin", "", map[string]any{
		"credential_id": "cred-casey",
		"challenge":     nonce,
		"signature":     junk,
	}, http.StatusUnauthorized)
}

func TestPairingOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	token, _ := signup(t, ts.URL, "casey")

	doJSON(t, http.MethodPost, ts.URL+"/api/items", token, map[string]any{
		"type":   "note",
		"fields": map[string]string{"body": "pass it on"},
	}, http.StatusCreated)

	created := doJSON(t, http.MethodPost, ts.URL+"/api/pair", token, nil, http.StatusCreated)
	pairToken := created["token"].(string)

	kk, err := cr.NewKEMKey()
	if err != nil {
		t.Fatalf("kem key: %v", err)
	}
	sk, err := cr.NewSigningKey()
	if err != nil {
		t.Fatalf("sig key: %v", err)
	}
	kemPub, _ := cr.MarshalKEMPublic(kk.Pub)
	sigPub, _ := cr.MarshalSigPublic(sk.Pub)

	doJSON(t, http.MethodPost, ts.URL+"/api/pair/join", "", map[string]any{
		"token":          pairToken,
		"public_key":     kemPub,
		"sig_public_key": sigPub,
		"credential_id":  "cred-phone",
		"label":          "phone",
	}, http.StatusOK)

	status := doJSON(t, http.MethodGet, ts.URL+"/api/pair/status?token="+pairToken, "", nil, http.StatusOK)
	if status["state"] != "key_exchanged" {
		t.Fatalf("state = %v", status["state"])
	}

	done := doJSON(t, http.MethodPost, ts.URL+"/api/pair/complete", token, map[string]any{
		"token": pairToken,
	}, http.StatusOK)
	if done["device"].(map[string]any)["label"] != "phone" {
		t.Fatalf("completed device = %v", done["device"])
	}

	devices := doJSON(t, http.MethodGet, ts.URL+"/api/devices", token, nil, http.StatusOK)
	if n := len(devices["devices"].([]any)); n != 2 {
		t.Fatalf("devices = %d, want 2", n)
	}
}

func TestRecoveryOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	token, _ := signup(t, ts.URL, "casey")

	doJSON(t, http.MethodPost, ts.URL+"/api/items", token, map[string]any{
		"type":   "note",
		"fields": map[string]string{"body": "do not lose"},
	}, http.StatusCreated)

	kit := doJSON(t, http.MethodPost, ts.URL+"/api/recovery/kit", token, map[string]any{
		"threshold": 2,
		"total":     3,
	}, http.StatusCreated)
	kitID := kit["kit_id"].(string)
	shares := kit["shares"].([]any)
	if len(shares) != 3 {
		t.Fatalf("shares = %d, want 3", len(shares))
	}

	status := doJSON(t, http.MethodGet, ts.URL+"/api/recovery/kit", token, nil, http.StatusOK)
	if status["state"] != "kit_active" {
		t.Fatalf("state = %v", status["state"])
	}
	if got := int(status["escrowed_shares"].(float64)); got != 3 {
		t.Fatalf("escrowed_shares = %d, want 3", got)
	}

	// Simulate total device loss: reconstruct from two printed shares, no
	// bearer token.
	submit := []string{
		shares[0].(map[string]any)["content"].(string),
		shares[2].(map[string]any)["content"].(string),
	}
	rec := doJSON(t, http.MethodPost, ts.URL+"/api/recovery/reconstruct", "", map[string]any{
		"shares": submit,
	}, http.StatusOK)
	if rec["kit_id"] != kitID {
		t.Fatalf("kit_id = %v, want %s", rec["kit_id"], kitID)
	}

	att := make([]byte, 32)
	if _, err := rand.Read(att); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	prov := doJSON(t, http.MethodPost, ts.URL+"/api/recovery/provision", "", map[string]any{
		"kit_id":        kitID,
		"secret":        rec["secret"],
		"credential_id": "cred-replacement",
		"attested_key":  att,
		"label":         "replacement",
	}, http.StatusCreated)
	newToken := prov["token"].(string)

	items := doJSON(t, http.MethodGet, ts.URL+"/api/items", newToken, nil, http.StatusOK)
	list := items["items"].([]any)
	if len(list) != 1 {
		t.Fatalf("items = %d, want 1", len(list))
	}
	itemID := list[0].(map[string]any)["id"].(string)
	got := doJSON(t, http.MethodGet, ts.URL+"/api/items/"+itemID, newToken, nil, http.StatusOK)
	if got["fields"].(map[string]any)["body"] != "do not lose" {
		t.Fatal("recovered device cannot read the item")
	}
}

func TestKitRejectsInvalidParams(t *testing.T) {
	_, ts := newTestServer(t)

	token, _ := signup(t, ts.URL, "dana")
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/recovery/kit", token, map[string]any{
		"threshold": 10,
		"total":     5,
	}, http.StatusBadRequest)
	if _, ok := resp["shares"]; ok {
		t.Fatal("rejected request still returned shares")
	}
}

func TestRevokeDeviceOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	token, deviceID := signup(t, ts.URL, "casey")

	// Pair a second device, then revoke it from the first.
	created := doJSON(t, http.MethodPost, ts.URL+"/api/pair", token, nil, http.StatusCreated)
	pairToken := created["token"].(string)
	kk, _ := cr.NewKEMKey()
	sk, _ := cr.NewSigningKey()
	kemPub, _ := cr.MarshalKEMPublic(kk.Pub)
	sigPub, _ := cr.MarshalSigPublic(sk.Pub)
	doJSON(t, http.MethodPost, ts.URL+"/api/pair/join", "", map[string]any{
		"token":          pairToken,
		"public_key":     kemPub,
		"sig_public_key": sigPub,
		"credential_id":  "cred-phone",
		"label":          "phone",
	}, http.StatusOK)
	done := doJSON(t, http.MethodPost, ts.URL+"/api/pair/complete", token, map[string]any{
		"token": pairToken,
	}, http.StatusOK)
	otherID := done["device"].(map[string]any)["id"].(string)

	// Revoking the calling device is refused.
	doJSON(t, http.MethodPost, ts.URL+"/api/devices/revoke", token, map[string]any{
		"device_id": deviceID,
	}, http.StatusBadRequest)

	doJSON(t, http.MethodPost, ts.URL+"/api/devices/revoke", token, map[string]any{
		"device_id": otherID,
	}, http.StatusOK)

	devices := doJSON(t, http.MethodGet, ts.URL+"/api/devices", token, nil, http.StatusOK)
	for _, d := range devices["devices"].([]any) {
		dev := d.(map[string]any)
		if dev["id"] == otherID && dev["revoked"] != true {
			t.Fatal("device not marked revoked")
		}
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body = %q", b)
	}
}
