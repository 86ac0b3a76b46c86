package api

import (
	"net/http"
	"time"

	"github.com/schoolpsy/psyhelper/internal/cloudsync"
)

type syncResult struct {
	Users       cloudsync.Report `json:"users"`
	Messages    int              `json:"messages"`
	ResultsIn   int              `json:"resultsPulled"`
	ResultsOut  int              `json:"resultsPushed"`
	CompletedAt time.Time        `json:"completedAt"`
}

func registerSync(mux *http.ServeMux, s *Server) {
	// GET /api/sync/status
	handleGet(mux, "/api/sync/status", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"online": s.Sync.IsOnline(r.Context())}
		if t, ok := s.Sync.LastSync(r.Context()); ok {
			out["lastSync"] = t
		}
		writeJSON(w, out)
	})

	// POST /api/sync: a full pass now, including the signed-in user's
	// messages and results.
	handlePost(mux, "/api/sync", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		ctx := r.Context()
		var res syncResult
		rep, err := s.Sync.SyncAllData(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		res.Users = rep
		if uid := s.Accounts.CurrentID(); uid > 0 {
			if res.Messages, err = s.Sync.SyncMessagesForUser(ctx, uid); err != nil {
				writeError(w, err)
				return
			}
			if res.ResultsIn, res.ResultsOut, err = s.Sync.SyncTestResultsForUser(ctx, uid); err != nil {
				writeError(w, err)
				return
			}
		}
		res.CompletedAt = time.Now()
		writeJSON(w, res)
	})
}
