package api

import (
	"net/http"
	"slices"

	"github.com/schoolpsy/psyhelper/internal/account"
	"github.com/schoolpsy/psyhelper/internal/role"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

func registerAuth(mux *http.ServeMux, s *Server) {
	// POST /api/auth/register
	handlePost(mux, "/api/auth/register", func(w http.ResponseWriter, r *http.Request, req account.Registration) {
		u, err := s.Accounts.Register(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, u)
	})

	// POST /api/auth/login
	handlePost(mux, "/api/auth/login", func(w http.ResponseWriter, r *http.Request, req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Remember bool   `json:"remember"`
	}) {
		u, err := s.Accounts.Login(r.Context(), req.Username, req.Password, req.Remember)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.OnLogin != nil {
			s.OnLogin(u)
		}
		writeJSON(w, u)
	})

	// POST /api/auth/logout
	handlePost(mux, "/api/auth/logout", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.Accounts.Logout(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		if s.OnLogout != nil {
			s.OnLogout()
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/auth/me
	handleGet(mux, "/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.currentUser(w)
		if !ok {
			return
		}
		writeJSON(w, u)
	})

	// POST /api/auth/password
	handlePost(mux, "/api/auth/password", func(w http.ResponseWriter, r *http.Request, req struct {
		Old string `json:"oldPassword"`
		New string `json:"newPassword"`
	}) {
		u, ok := s.currentUser(w)
		if !ok {
			return
		}
		if err := s.Accounts.ChangePassword(r.Context(), u.ID, req.Old, req.New); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

// requireRole writes 403 unless u has one of roles.
func requireRole(w http.ResponseWriter, u storage.User, roles ...role.Role) bool {
	if slices.Contains(roles, u.Role) {
		return true
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return false
}
