package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/clients"
	"github.com/jsarkisian/PTBudgetBuster/internal/users"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// handleLogin handles POST /api/auth/login: verifies credentials and
// issues the JWT used for the API and the websocket query token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.users == nil || s.auth == nil || !s.auth.Enabled() {
		s.jsonError(w, "Authentication is disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := s.users.Authenticate(body.Username, body.Password)
	if err != nil {
		s.logger.Warn("login rejected", "username", body.Username)
		s.jsonError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	token, err := s.auth.Generate(user)
	if err != nil {
		s.jsonError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}
	s.logger.Info("login", "username", user.Username, "role", user.Role)
	s.jsonResponse(w, map[string]any{
		"token": token,
		"user":  user.Public(),
	})
}

// requireAdmin gates user management. With auth disabled there are no
// identities to distinguish, so the gate is open.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.auth == nil || !s.auth.Enabled() {
		return true
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user.Role != models.RoleAdmin {
		s.jsonError(w, "Admin role required", http.StatusForbidden)
		return false
	}
	return true
}

// handleUsers handles GET and POST /api/users.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		s.jsonError(w, "User management not configured", http.StatusServiceUnavailable)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		list := s.users.List()
		s.jsonResponse(w, map[string]any{
			"users": list,
			"count": len(list),
		})

	case http.MethodPost:
		var body struct {
			Username    string `json:"username"`
			Password    string `json:"password"`
			Role        string `json:"role"`
			DisplayName string `json:"display_name"`
			Email       string `json:"email"`
		}
		if err := decodeJSON(r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		user, err := s.users.Create(body.Username, body.Password, body.Role, body.DisplayName, body.Email)
		if err != nil {
			switch {
			case errors.Is(err, users.ErrExists):
				s.jsonError(w, err.Error(), http.StatusConflict)
			default:
				s.jsonError(w, err.Error(), http.StatusBadRequest)
			}
			return
		}
		s.jsonStatus(w, http.StatusCreated, user.Public())

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUser handles PUT and DELETE /api/users/{username}.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		s.jsonError(w, "User management not configured", http.StatusServiceUnavailable)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	username, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/users/"))
	if username == "" || rest != "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body struct {
			Password *string `json:"password"`
			Disabled *bool   `json:"disabled"`
		}
		if err := decodeJSON(r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Password != nil {
			if err := s.users.ChangePassword(username, *body.Password); err != nil {
				s.userError(w, err)
				return
			}
		}
		if body.Disabled != nil {
			if err := s.users.SetDisabled(username, *body.Disabled); err != nil {
				s.userError(w, err)
				return
			}
		}
		user, ok := s.users.Get(username)
		if !ok {
			s.jsonError(w, "User not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, user.Public())

	case http.MethodDelete:
		if err := s.users.Delete(username); err != nil {
			s.userError(w, err)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted", "username": username})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) userError(w http.ResponseWriter, err error) {
	if errors.Is(err, users.ErrNotFound) {
		s.jsonError(w, "User not found", http.StatusNotFound)
		return
	}
	s.jsonError(w, err.Error(), http.StatusBadRequest)
}

// handleClients handles GET and POST /api/clients.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		s.jsonError(w, "Client management not configured", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		list := s.clients.List()
		s.jsonResponse(w, map[string]any{
			"clients": list,
			"count":   len(list),
		})

	case http.MethodPost:
		var body struct {
			Name    string `json:"name"`
			Contact string `json:"contact"`
			Notes   string `json:"notes"`
		}
		if err := decodeJSON(r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		client, err := s.clients.Create(body.Name, body.Contact, body.Notes)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonStatus(w, http.StatusCreated, client)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleClient handles /api/clients/{id} and its asset sub-resource.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		s.jsonError(w, "Client management not configured", http.StatusServiceUnavailable)
		return
	}
	id, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/clients/"))
	if id == "" {
		s.jsonError(w, "Client ID required", http.StatusBadRequest)
		return
	}
	action, assetID := shiftPath(rest)

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			client, ok := s.clients.Get(id)
			if !ok {
				s.jsonError(w, "Client not found", http.StatusNotFound)
				return
			}
			s.jsonResponse(w, client)

		case http.MethodPut:
			var body struct {
				Name    *string `json:"name"`
				Contact *string `json:"contact"`
				Notes   *string `json:"notes"`
			}
			if err := decodeJSON(r, &body); err != nil {
				s.jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			client, err := s.clients.Update(id, body.Name, body.Contact, body.Notes)
			if err != nil {
				s.clientError(w, err)
				return
			}
			s.jsonResponse(w, client)

		case http.MethodDelete:
			if err := s.clients.Delete(id); err != nil {
				s.clientError(w, err)
				return
			}
			s.jsonResponse(w, map[string]string{"status": "deleted", "id": id})

		default:
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case "assets":
		switch {
		case r.Method == http.MethodPost && assetID == "":
			var body struct {
				Value string `json:"value"`
				Kind  string `json:"kind"`
			}
			if err := decodeJSON(r, &body); err != nil {
				s.jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			asset, err := s.clients.AddAsset(id, body.Value, models.AssetKind(body.Kind))
			if err != nil {
				s.clientError(w, err)
				return
			}
			s.jsonStatus(w, http.StatusCreated, asset)

		case r.Method == http.MethodDelete && assetID != "":
			if err := s.clients.RemoveAsset(id, assetID); err != nil {
				s.clientError(w, err)
				return
			}
			s.jsonResponse(w, map[string]string{"status": "deleted", "asset_id": assetID})

		default:
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) clientError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, clients.ErrNotFound):
		s.jsonError(w, "Client not found", http.StatusNotFound)
	case errors.Is(err, clients.ErrAssetNotFound):
		s.jsonError(w, "Asset not found", http.StatusNotFound)
	default:
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	}
}

// handleSettings handles GET and PUT /api/settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.jsonError(w, "Settings not configured", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.jsonResponse(w, s.settings.All())

	case http.MethodPut:
		var patch map[string]any
		if err := decodeJSON(r, &patch); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		updated, err := s.settings.Update(patch)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, updated)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePlaybooks handles GET /api/playbooks.
func (s *Server) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list := []models.Playbook{}
	if s.playbooks != nil {
		list = s.playbooks.List()
	}
	s.jsonResponse(w, map[string]any{
		"playbooks": list,
		"count":     len(list),
	})
}
