package api

import (
	"net/http"
	"strconv"

	"github.com/schoolpsy/psyhelper/internal/quiz"
	"github.com/schoolpsy/psyhelper/internal/role"
)

func registerTests(mux *http.ServeMux, s *Server) {
	if s.Quiz == nil {
		return
	}
	bank := s.Quiz.Bank()

	// GET /api/tests/questions
	handleGet(mux, "/api/tests/questions", func(w http.ResponseWriter, r *http.Request) {
		qs := bank.Questions(r.Context())
		writeJSON(w, map[string]any{
			"questions": qs,
			"source":    bank.Source(),
			"maxScore":  quiz.MaxScore(qs),
		})
	})

	// POST /api/tests/submit
	handlePost(mux, "/api/tests/submit", func(w http.ResponseWriter, r *http.Request, req struct {
		Answers []int `json:"answers"`
	}) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		res, err := s.Quiz.Submit(r.Context(), me, req.Answers)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, res)
	})

	// GET /api/tests/history: own results
	handleGet(mux, "/api/tests/history", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		sum, err := s.Quiz.History(r.Context(), me.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, sum)
	})

	// GET /api/tests/history/{id}: a student's results, for staff
	handleGet(mux, "/api/tests/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if id != me.ID && !requireRole(w, me, role.Teacher, role.Admin) {
			return
		}
		sum, err := s.Quiz.History(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, sum)
	})

	// POST /api/questions: admin: create (id 0) or replace
	handlePost(mux, "/api/questions", func(w http.ResponseWriter, r *http.Request, q quiz.Question) {
		me, ok := s.currentUser(w)
		if !ok || !requireRole(w, me, role.Admin) {
			return
		}
		saved, err := bank.SaveQuestion(r.Context(), q)
		if err != nil {
			writeError(w, err)
			return
		}
		bank.Load(r.Context())
		writeJSON(w, saved)
	})

	// DELETE /api/questions/{id}: admin
	handleDelete(mux, "/api/questions/{id}", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok || !requireRole(w, me, role.Admin) {
			return
		}
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil || id <= 0 {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		if err := bank.DeleteQuestion(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		bank.Load(r.Context())
		writeJSON(w, map[string]string{"status": "deleted"})
	})

	// POST /api/questions/reload
	handlePost(mux, "/api/questions/reload", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		qs, src := bank.Load(r.Context())
		writeJSON(w, map[string]any{"count": len(qs), "source": src})
	})
}
