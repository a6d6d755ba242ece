package server

import "net/http"

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/health", s.handleHealth)

	s.mux.HandleFunc("/api/signup", s.handleSignup)
	s.mux.HandleFunc("/api/signin/challenge", s.handleSignInChallenge)
	s.mux.HandleFunc("/api/signin", s.handleSignIn)

	s.mux.HandleFunc("/api/devices", s.handleDevices)
	s.mux.HandleFunc("/api/devices/revoke", s.handleRevokeDevice)

	s.mux.HandleFunc("/api/items", s.handleItems)
	s.mux.HandleFunc("/api/items/", s.handleItemByID)

	s.mux.HandleFunc("/api/recovery/kit", s.handleRecoveryKit)
	s.mux.HandleFunc("/api/recovery/reconstruct", s.handleReconstruct)
	s.mux.HandleFunc("/api/recovery/provision", s.handleProvision)

	s.mux.HandleFunc("/api/pair", s.handlePairCreate)
	s.mux.HandleFunc("/api/pair/join", s.handlePairJoin)
	s.mux.HandleFunc("/api/pair/status", s.handlePairStatus)
	s.mux.HandleFunc("/api/pair/complete", s.handlePairComplete)

	s.mux.HandleFunc("/api/audit", s.handleAudit)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
