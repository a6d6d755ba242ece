package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"quankey/internal/auth"
	"quankey/internal/identity"
)

// itemPayload is the plaintext stored inside an envelope-encrypted item.
type itemPayload struct {
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields"`
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listItems(w, r)
	case http.MethodPost:
		s.createItem(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	items, err := s.store.ListByOwner(r.Context(), claims.Sub)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]itemMetaView, 0, len(items))
	for _, it := range items {
		out = append(out, itemMetaView{
			ID:        it.ID,
			Algorithm: it.Algorithm,
			Version:   it.Version,
			Devices:   len(it.Wraps),
			CreatedAt: it.CreatedAt,
			UpdatedAt: it.UpdatedAt,
		})
	}
	writeJSON(w, map[string]any{"items": out})
}

// createItem encrypts the payload for every active device the caller owns,
// the recovery pseudo-device included when a kit is active.
func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req itemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" || len(req.Fields) == 0 {
		http.Error(w, "type and fields required", http.StatusBadRequest)
		return
	}

	plaintext, err := json.Marshal(itemPayload{Type: req.Type, Fields: req.Fields})
	if err != nil {
		s.fail(w, err)
		return
	}

	devs, err := s.store.ListDevices(r.Context(), claims.Sub)
	if err != nil {
		s.fail(w, err)
		return
	}
	active := identity.ActiveDevices(devs)
	ids := make([]string, 0, len(active))
	for _, d := range active {
		ids = append(ids, d.ID)
	}

	it, err := s.env.Encrypt(r.Context(), claims.Sub, plaintext, ids)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, itemMetaView{
		ID:        it.ID,
		Algorithm: it.Algorithm,
		Version:   it.Version,
		Devices:   len(it.Wraps),
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
	})
}

func (s *Server) handleItemByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/items/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	it, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if it.OwnerID != claims.Sub {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.readItem(w, r, id)
	case http.MethodPut:
		s.updateItem(w, r, id)
	case http.MethodDelete:
		if err := s.env.Delete(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) readItem(w http.ResponseWriter, r *http.Request, id string) {
	h, _, err := s.handleFor(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer h.Close()

	plaintext, err := s.env.Decrypt(r.Context(), id, h)
	if err != nil {
		s.fail(w, err)
		return
	}
	var payload itemPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		s.fail(w, err)
		return
	}
	it, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, itemView{
		ID:      id,
		Type:    payload.Type,
		Fields:  payload.Fields,
		Version: it.Version,
	})
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request, id string) {
	var req itemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" || len(req.Fields) == 0 {
		http.Error(w, "type and fields required", http.StatusBadRequest)
		return
	}
	plaintext, err := json.Marshal(itemPayload{Type: req.Type, Fields: req.Fields})
	if err != nil {
		s.fail(w, err)
		return
	}

	h, _, err := s.handleFor(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer h.Close()

	if err := s.env.Update(r.Context(), id, h, plaintext); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "updated"})
}
