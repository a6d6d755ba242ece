package server

import (
	"net/http"

	"quankey/internal/audit"
	"quankey/internal/auth"
	"quankey/internal/keys"
	"quankey/internal/recovery"
)

func (s *Server) handleRecoveryKit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.generateKit(w, r)
	case http.MethodGet:
		s.kitStatus(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// generateKit mints a fresh recovery kit and returns the share files exactly
// once. They are never retrievable again; the caller must save them now.
func (s *Server) generateKit(w http.ResponseWriter, r *http.Request) {
	var req kitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h, _, err := s.handleFor(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer h.Close()

	kit, files, err := s.rec.GenerateKit(r.Context(), h, req.Threshold, req.Total)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit.Append(audit.KitGenerated, kit.ID)

	shares := make([]shareFileView, 0, len(files))
	for _, f := range files {
		b, err := f.Encode()
		if err != nil {
			s.fail(w, err)
			return
		}
		shares = append(shares, shareFileView{
			FileName: recovery.ShareFileName(kit.ID, f.Index),
			Content:  b,
		})
	}

	writeJSONStatus(w, http.StatusCreated, kitResponse{
		KitID:     kit.ID,
		Threshold: kit.Threshold,
		Total:     kit.TotalShares,
		ExpiresAt: kit.ExpiresAt,
		Shares:    shares,
	})
}

func (s *Server) kitStatus(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	state, kit, err := s.rec.Status(r.Context(), claims.Sub)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := kitStatusResponse{State: string(state)}
	if kit != nil {
		resp.KitID = kit.ID
		resp.Threshold = kit.Threshold
		resp.Total = kit.TotalShares
		exp := kit.ExpiresAt
		resp.ExpiresAt = &exp

		// Surface the escrow record count so an owner can confirm the
		// sealed copies exist without ever reading their contents.
		escrowed, err := s.store.ListShares(r.Context(), kit.ID)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.Escrowed = len(escrowed)
	}
	writeJSON(w, resp)
}

// handleReconstruct is deliberately unauthenticated: it exists for the user
// who has lost every enrolled device. Possession of threshold share files is
// the credential.
func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlReconstructIP.allow(clientIP(r)) {
		tooMany(w, 300)
		return
	}

	var req reconstructRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Shares) == 0 {
		http.Error(w, "shares required", http.StatusBadRequest)
		return
	}

	files := make([]recovery.ShareFile, 0, len(req.Shares))
	for _, raw := range req.Shares {
		f, err := recovery.DecodeShareFile(raw)
		if err != nil {
			s.fail(w, err)
			return
		}
		files = append(files, f)
	}
	// Anchor the kit ID on the first checksum-clean file, same as the
	// engine, so a corrupt first file cannot skew limits or the audit log.
	kitID := files[0].KitID
	for i := range files {
		if files[i].Verify() == nil {
			kitID = files[i].KitID
			break
		}
	}
	if !s.rlReconstructKit.allow(kitID) {
		tooMany(w, 300)
		return
	}

	secret, rejected, err := s.rec.Reconstruct(r.Context(), files)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit.Append(audit.KitReconstructed, kitID)

	writeJSON(w, reconstructResponse{
		KitID:          kitID,
		Secret:         secret,
		RejectedShares: rejected,
	})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlReconstructIP.allow(clientIP(r)) {
		tooMany(w, 300)
		return
	}

	var req provisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.KitID == "" || len(req.Secret) == 0 || req.CredentialID == "" || len(req.AttestedKey) == 0 {
		http.Error(w, "kit_id, secret, credential_id and attested_key required", http.StatusBadRequest)
		return
	}

	dev, err := s.rec.ProvisionDevice(r.Context(), req.KitID, req.Secret, keys.Attestation{
		CredentialID: req.CredentialID,
		AttestedKey:  req.AttestedKey,
		Label:        req.Label,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit.Append(audit.DeviceRecovered, dev.ID)

	token, exp, err := s.signer.IssueToken(dev.OwnerID, dev.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"device":     toDeviceView(*dev),
		"token":      token,
		"expires_at": exp,
	})
}
