// Package api is the local HTTP surface of the app: JSON endpoints, SSE
// streams and WebSockets for the UI.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/schoolpsy/psyhelper/internal/account"
	"github.com/schoolpsy/psyhelper/internal/call"
	"github.com/schoolpsy/psyhelper/internal/cloudsync"
	"github.com/schoolpsy/psyhelper/internal/logbuf"
	"github.com/schoolpsy/psyhelper/internal/quiz"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

var log = logging.Logger("api")

// Server holds the services behind the API. Calls, Sync and Logs may be
// nil; their endpoints are then not registered.
type Server struct {
	DB       *storage.DB
	Accounts *account.Service
	Quiz     *quiz.Service
	Sync     *cloudsync.Manager
	Calls    *call.Manager
	Logs     *logbuf.LogBuffer

	// OnLogin runs after a sign-in or auto-login, OnLogout after sign-out.
	OnLogin  func(storage.User)
	OnLogout func()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	registerAuth(mux, s)
	registerUsers(mux, s)
	registerMessages(mux, s)
	registerTests(mux, s)
	if s.Sync != nil {
		registerSync(mux, s)
	}
	if s.Calls != nil {
		registerCall(mux, s)
	}
	if s.Logs != nil {
		mux.HandleFunc("/api/logs", s.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", s.Logs.ServeLogsSSE)
	}
	handleGet(mux, "/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	return noCache(mux)
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("api listening on http://%s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// currentUser writes 401 and returns false when nobody is signed in.
func (s *Server) currentUser(w http.ResponseWriter) (storage.User, bool) {
	u, ok := s.Accounts.Current()
	if !ok {
		http.Error(w, account.ErrNotSignedIn.Error(), http.StatusUnauthorized)
		return storage.User{}, false
	}
	return u, true
}
