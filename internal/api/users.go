package api

import (
	"net/http"
	"strings"

	"github.com/schoolpsy/psyhelper/internal/avatar"
	"github.com/schoolpsy/psyhelper/internal/role"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

func registerUsers(mux *http.ServeMux, s *Server) {
	// GET /api/users?role=student|teacher|admin&q=text
	handleGet(mux, "/api/users", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.currentUser(w); !ok {
			return
		}
		var (
			users []storage.User
			err   error
		)
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		switch tag := r.URL.Query().Get("role"); {
		case q != "":
			users, err = s.DB.SearchUsers(r.Context(), q)
		case tag != "":
			rl, perr := role.Parse(tag)
			if perr != nil {
				http.Error(w, perr.Error(), http.StatusBadRequest)
				return
			}
			users, err = s.DB.UsersByRole(r.Context(), rl)
		default:
			users, err = s.DB.ListUsers(r.Context())
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if users == nil {
			users = []storage.User{}
		}
		writeJSON(w, users)
	})

	// GET /api/users/{id}
	handleGet(mux, "/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.currentUser(w); !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		u, err := s.DB.GetUser(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, u)
	})

	// DELETE /api/users/{id}: admin only
	handleDelete(mux, "/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok || !requireRole(w, me, role.Admin) {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := s.Accounts.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	})

	// GET /api/users/{id}/avatar: initials SVG in the user's colour
	handleGet(mux, "/api/users/{id}/avatar", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		u, err := s.DB.GetUser(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		label := u.FullName()
		if label == "" {
			label = u.Username
		}
		svg := avatar.InitialsSVG(label, u.AvatarColor)
		etag := `"` + avatar.Hash(svg) + `"`
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(svg)
	})

	// POST /api/users/{id}/avatar: self or admin
	handlePost(mux, "/api/users/{id}/avatar", func(w http.ResponseWriter, r *http.Request, req struct {
		Color int64 `json:"color"`
	}) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if id != me.ID && !requireRole(w, me, role.Admin) {
			return
		}
		if err := s.Accounts.UpdateAvatarColor(r.Context(), id, req.Color); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]int64{"avatarColor": req.Color})
	})
}
