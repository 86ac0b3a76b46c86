package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/schoolpsy/psyhelper/internal/account"
	"github.com/schoolpsy/psyhelper/internal/call"
	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/cloudsync"
	"github.com/schoolpsy/psyhelper/internal/quiz"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc("GET "+pattern, fn)
}

func handleDelete(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc("DELETE "+pattern, fn)
}

// handlePost decodes the JSON body into T before calling fn. An empty body
// leaves T zero.
func handlePost[T any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc("POST "+pattern, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if r.ContentLength != 0 {
			if decodeJSON(w, r, &req) != nil {
				return
			}
		}
		fn(w, r, req)
	})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func sseSend(w http.ResponseWriter, f http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, account.ErrInvalidCredentials), errors.Is(err, account.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, account.ErrUsernameTaken),
		errors.Is(err, quiz.ErrDuplicate),
		errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrNotListening):
		return http.StatusConflict
	case errors.Is(err, account.ErrWeakPassword),
		errors.Is(err, account.ErrInvalidUsername),
		errors.Is(err, quiz.ErrNoAnswers),
		errors.Is(err, quiz.ErrEmptyText),
		errors.Is(err, call.ErrNoCamera):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, cloud.ErrNotFound),
		errors.Is(err, call.ErrNoPendingOffer):
		return http.StatusNotFound
	case errors.Is(err, cloudsync.ErrOffline), errors.Is(err, cloud.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	}
	http.Error(w, err.Error(), code)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
