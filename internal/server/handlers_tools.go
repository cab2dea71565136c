package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// toolDefError maps registry failures onto HTTP statuses.
func (s *Server) toolDefError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tooldefs.ErrToolNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tooldefs.ErrToolExists):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tooldefs.ErrReservedTool), errors.Is(err, tooldefs.ErrInvalidTool):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleToolDefs handles GET and POST /tools/definitions.
func (s *Server) handleToolDefs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs := s.tools.List()
		s.jsonResponse(w, map[string]any{
			"tools": defs,
			"count": len(defs),
		})

	case http.MethodPost:
		var def models.ToolDefinition
		if err := decodeJSON(r, &def); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.tools.Add(def); err != nil {
			s.toolDefError(w, err)
			return
		}
		s.logger.Info("tool definition added", "tool", def.Name)
		s.jsonStatus(w, http.StatusCreated, def)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleToolDef handles GET, PUT, and DELETE /tools/definitions/{name}.
func (s *Server) handleToolDef(w http.ResponseWriter, r *http.Request) {
	name, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/tools/definitions/"))
	if name == "" || rest != "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		def, ok := s.tools.Get(name)
		if !ok {
			s.jsonError(w, "Tool not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, def)

	case http.MethodPut:
		var def models.ToolDefinition
		if err := decodeJSON(r, &def); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.tools.Upsert(name, def); err != nil {
			s.toolDefError(w, err)
			return
		}
		s.logger.Info("tool definition updated", "tool", name)
		def, _ = s.tools.Get(name)
		s.jsonResponse(w, def)

	case http.MethodDelete:
		if err := s.tools.Delete(name); err != nil {
			s.toolDefError(w, err)
			return
		}
		s.logger.Info("tool definition deleted", "tool", name)
		s.jsonResponse(w, map[string]string{"status": "deleted", "tool": name})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleToolCheck handles GET /tools/check: which catalog binaries are
// actually installed on this host.
func (s *Server) handleToolCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	installed := map[string]bool{}
	for _, def := range s.tools.List() {
		installed[def.Name] = s.tools.CheckInstalled(def.Binary)
	}
	s.jsonResponse(w, map[string]any{"tools": installed})
}
