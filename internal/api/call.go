package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schoolpsy/psyhelper/internal/call"
)

type keyReq struct {
	Key string `json:"key"`
}

type switchReq struct {
	Key string `json:"key"`
	On  *bool  `json:"on,omitempty"`
}

func registerCall(mux *http.ServeMux, s *Server) {
	calls := s.Calls

	// session looks up the call named by the request key.
	session := func(w http.ResponseWriter, key string) (*call.Session, bool) {
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return nil, false
		}
		sess, ok := calls.GetSession(key)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return nil, false
		}
		return sess, true
	}

	// GET /api/call/sessions
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.AllSessions())
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RemoteID int64 `json:"remoteId"`
		Video    bool  `json:"video"`
	}) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		if req.RemoteID <= 0 || req.RemoteID == me.ID {
			http.Error(w, "invalid remoteId", http.StatusBadRequest)
			return
		}
		sess, err := calls.StartCall(r.Context(), strconv.FormatInt(req.RemoteID, 10), req.Video)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req keyReq) {
		sess, err := calls.AcceptCall(r.Context(), req.Key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req keyReq) {
		if err := calls.RejectCall(r.Context(), req.Key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req keyReq) {
		sess, ok := calls.GetSession(req.Key)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		if err := sess.EndCall(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/mute: sets "on" when given, otherwise toggles
	handlePost(mux, "/api/call/mute", func(w http.ResponseWriter, r *http.Request, req switchReq) {
		sess, ok := session(w, req.Key)
		if !ok {
			return
		}
		var (
			muted bool
			err   error
		)
		if req.On != nil {
			muted = *req.On
			err = sess.SetMuted(muted)
		} else {
			muted, err = sess.ToggleMute()
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/speaker: same shape as mute
	handlePost(mux, "/api/call/speaker", func(w http.ResponseWriter, r *http.Request, req switchReq) {
		sess, ok := session(w, req.Key)
		if !ok {
			return
		}
		var (
			on  bool
			err error
		)
		if req.On != nil {
			on = *req.On
			err = sess.SetSpeaker(on)
		} else {
			on, err = sess.ToggleSpeaker()
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"speaker": on})
	})

	// POST /api/call/camera
	handlePost(mux, "/api/call/camera", func(w http.ResponseWriter, r *http.Request, req keyReq) {
		sess, ok := session(w, req.Key)
		if !ok {
			return
		}
		if err := sess.SwitchCamera(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "switched"})
	})

	// GET /api/call/events: SSE: incoming calls and every session state
	// change. Each connection holds its own subscriptions.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		inCh, cancelIn := calls.SubscribeIncoming()
		defer cancelIn()
		evCh, cancelEv := calls.SubscribeEvents()
		defer cancelEv()

		sseSend(w, flusher, "connected", map[string]string{"status": "ok"})
		for {
			select {
			case <-r.Context().Done():
				return
			case ic, ok := <-inCh:
				if !ok {
					return
				}
				sseSend(w, flusher, "incoming", ic)
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				sseSend(w, flusher, "state", ev)
			}
		}
	})

	// GET /api/call/session/{key}/events: SSE: state changes of one
	// session; the stream ends with an "ended" event.
	handleGet(mux, "/api/call/session/{key}/events", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session(w, r.PathValue("key"))
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		evCh, cancel := calls.SubscribeEvents()
		defer cancel()
		sseSend(w, flusher, "connected", sess.Status())
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				if ev.Key == sess.Key() && ev.State != call.StateEnded.String() {
					sseSend(w, flusher, "state", ev)
				}
			case <-sess.Done():
				sseSend(w, flusher, "ended", call.Event{
					Key:    sess.Key(),
					State:  call.StateEnded.String(),
					Reason: sess.EndReason(),
				})
				return
			}
		}
	})

	// GET /api/call/media/{key}/{slot}: WebSocket: live WebM of the local
	// or remote side. The first message is the init segment, then clusters.
	handleGet(mux, "/api/call/media/{key}/{slot}", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session(w, r.PathValue("key"))
		if !ok {
			return
		}
		var slot call.Slot
		switch r.PathValue("slot") {
		case "local":
			slot = call.SlotLocal
		case "remote":
			slot = call.SlotRemote
		default:
			http.Error(w, "slot must be local or remote", http.StatusBadRequest)
			return
		}

		sink := call.NewWebMSink(sess.Key(), slot == call.SlotRemote)
		if err := sess.AttachSink(slot, sink); err != nil {
			writeError(w, err)
			return
		}
		defer sess.DetachSink(sink)

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("%s: media websocket upgrade: %v", sess.Key(), err)
			return
		}
		defer conn.Close()
		log.Debugf("%s: %s media websocket connected", sess.Key(), slot)

		dataCh, unsubscribe := sink.Subscribe()
		defer unsubscribe()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-sess.Done():
				return
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}
