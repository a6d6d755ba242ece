package server

import (
	"net/http"

	"quankey/internal/audit"
	"quankey/internal/auth"
	"quankey/internal/identity"
)

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	devs, err := s.store.ListDevices(r.Context(), claims.Sub)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		out = append(out, toDeviceView(d))
	}
	writeJSON(w, map[string]any{"devices": out})
}

// handleRevokeDevice revokes a device and immediately rotates the data key of
// every item the revoked device could unwrap. The caller's own device does
// the re-wrapping, so revoking the last active device is rejected upstream.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req revokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}

	h, claims, err := s.handleFor(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer h.Close()

	if _, err := s.ownedDevice(r, claims, req.DeviceID); err != nil {
		s.fail(w, err)
		return
	}
	if req.DeviceID == claims.DeviceID {
		http.Error(w, "cannot revoke the calling device", http.StatusBadRequest)
		return
	}

	if err := s.keyMgr.Revoke(r.Context(), req.DeviceID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.env.EvictDevice(r.Context(), h, req.DeviceID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit.Append(audit.DeviceRevoked, req.DeviceID)

	writeJSON(w, map[string]string{"status": "revoked"})
}

func (s *Server) ownedDevice(r *http.Request, claims *auth.Claims, deviceID string) (*identity.Device, error) {
	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		return nil, err
	}
	if dev.OwnerID != claims.Sub {
		return nil, identity.ErrDeviceNotFound
	}
	return dev, nil
}
