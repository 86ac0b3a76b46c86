package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schoolpsy/psyhelper/internal/storage"
	"github.com/schoolpsy/psyhelper/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// the UI is served from a local webview or file://
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

var errEmptyMessage = errors.New("message text is empty")

// chatFrame is what the live conversation socket sends: the full
// conversation after every change.
type chatFrame struct {
	Type     string            `json:"type"`
	Messages []storage.Message `json:"messages"`
}

func registerMessages(mux *http.ServeMux, s *Server) {
	// GET /api/messages/dialogs
	handleGet(mux, "/api/messages/dialogs", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		ds, err := s.DB.Dialogs(r.Context(), me.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if ds == nil {
			ds = []storage.Dialog{}
		}
		writeJSON(w, ds)
	})

	// GET /api/messages/unread
	handleGet(mux, "/api/messages/unread", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		n, err := s.DB.UnreadCount(r.Context(), me.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]int{"unread": n})
	})

	// GET /api/messages/{peer}
	handleGet(mux, "/api/messages/{peer}", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		peer, ok := pathID(w, r, "peer")
		if !ok {
			return
		}
		msgs, err := s.DB.Conversation(r.Context(), me.ID, peer)
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, msgs)
	})

	// POST /api/messages/{peer}
	handlePost(mux, "/api/messages/{peer}", func(w http.ResponseWriter, r *http.Request, req struct {
		Text string `json:"text"`
	}) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		peer, ok := pathID(w, r, "peer")
		if !ok {
			return
		}
		msg, err := s.send(r.Context(), me, peer, req.Text)
		if errors.Is(err, errEmptyMessage) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, msg)
	})

	// POST /api/messages/{peer}/read
	handlePost(mux, "/api/messages/{peer}/read", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		peer, ok := pathID(w, r, "peer")
		if !ok {
			return
		}
		n, err := s.DB.MarkAsRead(r.Context(), peer, me.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]int64{"marked": n})
	})

	// GET /api/messages/{peer}/live: WebSocket. Sends the conversation on
	// connect and after every change; accepts {"text": "..."} to send.
	handleGet(mux, "/api/messages/{peer}/live", func(w http.ResponseWriter, r *http.Request) {
		me, ok := s.currentUser(w)
		if !ok {
			return
		}
		peer, ok := pathID(w, r, "peer")
		if !ok {
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("chat websocket upgrade: %v", err)
			return
		}
		defer conn.Close()
		s.serveConversation(r.Context(), conn, me, peer)
	})
}

func (s *Server) send(ctx context.Context, me storage.User, peer int64, text string) (storage.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return storage.Message{}, errEmptyMessage
	}
	msg := storage.Message{
		SenderID:   me.ID,
		ReceiverID: peer,
		SenderName: me.FullName(),
		Text:       text,
	}
	if s.Sync == nil {
		msg.Timestamp = util.NowMillis()
		_, err := s.DB.InsertMessage(ctx, msg)
		return msg, err
	}
	return s.Sync.SendMessage(ctx, msg)
}

func (s *Server) serveConversation(ctx context.Context, conn *websocket.Conn, me storage.User, peer int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.Sync != nil {
		feed, err := s.Sync.StartConversationRealtime(ctx, me.ID, peer, me.ID, nil)
		if err != nil {
			log.Warnf("live conversation %d<->%d: %v", me.ID, peer, err)
		} else {
			defer s.Sync.StopFeed(feed)
		}
	}

	go func() {
		defer cancel()
		for {
			var in struct {
				Text string `json:"text"`
			}
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			if _, err := s.send(ctx, me, peer, in.Text); err != nil {
				log.Debugf("live send: %v", err)
			}
		}
	}()

	updates := s.DB.WatchConversation(ctx, me.ID, peer)
	for {
		select {
		case <-ctx.Done():
			return
		case msgs, ok := <-updates:
			if !ok {
				return
			}
			if _, err := s.DB.MarkAsRead(ctx, peer, me.ID); err != nil {
				log.Debugf("mark read: %v", err)
			}
			if msgs == nil {
				msgs = []storage.Message{}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(chatFrame{Type: "messages", Messages: msgs}); err != nil {
				return
			}
		}
	}
}
