package server

import "net/http"

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.audit.Verify(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"entries": s.audit.Entries()})
}
