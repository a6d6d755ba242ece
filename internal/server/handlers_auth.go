package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"quankey/internal/audit"
	cr "quankey/internal/crypto"
	"quankey/internal/identity"
	"quankey/internal/keys"

	"github.com/google/uuid"
)

// handleSignup enrolls a new user together with their first device. The
// attestation fields are the opaque result of the client-side passkey
// enrollment ceremony.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlSignupIP.allow(clientIP(r)) {
		tooMany(w, 60)
		return
	}

	var req signupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.CredentialID == "" || len(req.AttestedKey) == 0 {
		http.Error(w, "username, credential_id and attested_key required", http.StatusBadRequest)
		return
	}

	user := &identity.UserIdentity{
		ID:        uuid.NewString(),
		Username:  req.Username,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AddUser(r.Context(), user); err != nil {
		s.fail(w, err)
		return
	}

	dev, err := s.keyMgr.Register(r.Context(), user.ID, keys.Attestation{
		CredentialID: req.CredentialID,
		AttestedKey:  req.AttestedKey,
		Label:        req.Label,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit.Append(audit.DeviceRegistered, dev.ID)

	token, exp, err := s.signer.IssueToken(user.ID, dev.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"user_id":    user.ID,
		"device":     toDeviceView(*dev),
		"token":      token,
		"expires_at": exp,
	})
}

// handleSignInChallenge hands out a one-time nonce for the credential to
// sign. A nonce is issued whether or not the credential exists so the
// endpoint cannot be used to enumerate enrolled credentials.
func (s *Server) handleSignInChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlChallengeIP.allow(clientIP(r)) {
		tooMany(w, 60)
		return
	}

	var req challengeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CredentialID == "" {
		http.Error(w, "credential_id required", http.StatusBadRequest)
		return
	}
	if !s.rlChallengeCred.allow(req.CredentialID) {
		tooMany(w, 60)
		return
	}

	nonce, err := s.challenges.Issue(req.CredentialID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"challenge": nonce})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlSignInIP.allow(clientIP(r)) {
		tooMany(w, 60)
		return
	}

	var req signInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CredentialID == "" || req.Challenge == "" || len(req.Signature) == 0 {
		http.Error(w, "credential_id, challenge and signature required", http.StatusBadRequest)
		return
	}

	if err := s.challenges.Consume(req.CredentialID, req.Challenge); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	dev, err := s.store.FindDeviceByCredential(r.Context(), req.CredentialID)
	if err != nil {
		if errors.Is(err, identity.ErrDeviceNotFound) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.fail(w, err)
		return
	}

	ok, err := cr.Verify(dev.SigPublicKey, []byte(req.Challenge), req.Signature)
	if err != nil || !ok {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	// AuthorizeUse rejects revoked devices and records last use.
	h, err := s.keyMgr.AuthorizeUse(r.Context(), keys.Assertion{
		CredentialID: req.CredentialID,
		UserVerified: true,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	h.Close()

	token, exp, err := s.signer.IssueToken(dev.OwnerID, dev.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"token":      token,
		"expires_at": exp,
		"device_id":  dev.ID,
	})
}
