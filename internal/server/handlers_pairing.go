package server

import (
	"net/http"

	"quankey/internal/audit"
	"quankey/internal/auth"
)

func (s *Server) handlePairCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sess, qr, err := s.bridge.CreateSession(r.Context(), claims.DeviceID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit.Append(audit.PairingStarted, sess.Token)

	writeJSONStatus(w, http.StatusCreated, pairCreateResponse{
		Token:     sess.Token,
		QR:        qr.Encode(),
		ExpiresAt: sess.ExpiresAt,
	})
}

// handlePairJoin is called by the joining device after scanning the QR code.
// It is unauthenticated; the single-use token is the credential, and the
// state machine guarantees only the first caller wins.
func (s *Server) handlePairJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlJoinIP.allow(clientIP(r)) {
		tooMany(w, 60)
		return
	}

	var req pairJoinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" || req.CredentialID == "" {
		http.Error(w, "token and credential_id required", http.StatusBadRequest)
		return
	}
	if !s.rlJoinToken.allow(req.Token) {
		tooMany(w, 60)
		return
	}

	sess, err := s.bridge.JoinSession(r.Context(), req.Token, req.PublicKey, req.SigPublicKey, req.CredentialID, req.Label)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"state":      string(sess.State),
		"expires_at": sess.ExpiresAt,
	})
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	state, err := s.bridge.PollStatus(r.Context(), token)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"state": string(state)})
}

// handlePairComplete is the issuer's approval step: it enrolls the joining
// device and grants it a wrap on every item the issuer can unwrap.
func (s *Server) handlePairComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pairTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}

	h, _, err := s.handleFor(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer h.Close()

	dev, err := s.bridge.Complete(r.Context(), req.Token, h)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit.Append(audit.PairingCompleted, dev.ID)

	writeJSON(w, map[string]any{"device": toDeviceView(*dev)})
}
