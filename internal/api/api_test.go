package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolpsy/psyhelper/internal/account"
	"github.com/schoolpsy/psyhelper/internal/call"
	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/cloudsync"
	"github.com/schoolpsy/psyhelper/internal/logbuf"
	"github.com/schoolpsy/psyhelper/internal/quiz"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

type fixture struct {
	srv     *Server
	h       http.Handler
	db      *storage.DB
	mem     *cloud.Memory
	logins  []int64
	logouts int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := cloud.NewMemory()
	mirror := cloud.NewMirror(mem)
	sm := cloudsync.New(mirror, db, time.Second)
	calls := call.NewManager(mem, nil, nil, call.Options{NegotiationTimeout: time.Second})
	t.Cleanup(calls.Close)

	f := &fixture{db: db, mem: mem}
	f.srv = &Server{
		DB:       db,
		Accounts: account.New(db, mirror, sm),
		Quiz:     quiz.NewService(quiz.NewBank(mem, ""), db, sm),
		Sync:     sm,
		Calls:    calls,
		Logs:     logbuf.New(10),
		OnLogin:  func(u storage.User) { f.logins = append(f.logins, u.ID) },
		OnLogout: func() { f.logouts++ },
	}
	f.h = f.srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) register(t *testing.T, username, roleTag string) storage.User {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username, "password": "secret1", "firstName": username, "role": roleTag,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[storage.User](t, rec)
}

func (f *fixture) login(t *testing.T, username, password string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/login", map[string]any{"username": username, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/auth/me", nil).Code)

	u := f.register(t, "masha", "ученик")
	assert.Equal(t, "student", string(u.Role))

	rec := f.do(t, http.MethodPost, "/api/auth/register", map[string]string{"username": "masha", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/auth/register", map[string]string{"username": "petya", "password": "123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/auth/register", map[string]string{"username": "", "password": "secret1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "masha", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid username or password", strings.TrimSpace(rec.Body.String()))

	f.login(t, "masha", "secret1")
	assert.Equal(t, []int64{u.ID}, f.logins)
	me := decode[storage.User](t, f.do(t, http.MethodGet, "/api/auth/me", nil))
	assert.Equal(t, "masha", me.Username)
	assert.NotContains(t, f.do(t, http.MethodGet, "/api/auth/me", nil).Body.String(), "password")

	rec = f.do(t, http.MethodPost, "/api/auth/password", map[string]string{"oldPassword": "secret1", "newPassword": "secret2"})
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/auth/logout", nil).Code)
	assert.Equal(t, 1, f.logouts)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/auth/me", nil).Code)
	f.login(t, "masha", "secret2")
}

func TestUsersByRoleAndAdminDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.srv.Accounts.SeedDefaults(ctx))
	student := f.register(t, "anna", "student")

	f.login(t, "teacher.test", "123456")
	students := decode[[]storage.User](t, f.do(t, http.MethodGet, "/api/users?role=student", nil))
	assert.Len(t, students, 2)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/users?role=janitor", nil).Code)
	found := decode[[]storage.User](t, f.do(t, http.MethodGet, "/api/users?q=ann", nil))
	require.Len(t, found, 1)
	assert.Equal(t, student.ID, found[0].ID)

	path := "/api/users/" + strconv.FormatInt(student.ID, 10)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, path, nil).Code)

	f.login(t, "admin.test", "123456")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/users/abc", nil).Code)
}

func TestAvatar(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "anna", "student")
	path := "/api/users/" + strconv.FormatInt(u.ID, 10) + "/avatar"

	rec := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), ">AN</text>")
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	f.login(t, "anna", "secret1")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path, map[string]int64{"color": 0xFF123456}).Code)
	rec = f.do(t, http.MethodGet, path, nil)
	assert.Contains(t, rec.Body.String(), `fill="#123456"`)
	assert.NotEqual(t, etag, rec.Header().Get("ETag"))
}

func TestMessagesAndLiveConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "anna", "student")
	b := f.register(t, "olga", "teacher")
	f.login(t, "anna", "secret1")

	peer := "/api/messages/" + strconv.FormatInt(b.ID, 10)
	rec := f.do(t, http.MethodPost, peer, map[string]string{"text": "  hello  "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[storage.Message](t, rec)
	assert.Equal(t, "hello", sent.Text)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, peer, map[string]string{"text": " "}).Code)

	conv := decode[[]storage.Message](t, f.do(t, http.MethodGet, peer, nil))
	require.Len(t, conv, 1)

	ts := httptest.NewServer(f.h)
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+peer+"/live", nil)
	require.NoError(t, err)
	defer conn.Close()

	readUntil := func(n int) chatFrame {
		t.Helper()
		for {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
			var fr chatFrame
			require.NoError(t, conn.ReadJSON(&fr))
			if len(fr.Messages) >= n {
				return fr
			}
		}
	}
	fr := readUntil(1)
	assert.Equal(t, "messages", fr.Type)

	// a reply arriving through the cloud
	_, err = f.db.InsertMessage(ctx, storage.Message{SenderID: b.ID, ReceiverID: a.ID, Text: "hi anna", Timestamp: sent.Timestamp + 1})
	require.NoError(t, err)
	fr = readUntil(2)
	assert.Contains(t, texts(fr), "hi anna")

	// sending over the socket
	require.NoError(t, conn.WriteJSON(map[string]string{"text": "typed live"}))
	fr = readUntil(3)
	assert.Contains(t, texts(fr), "typed live")

	require.Eventually(t, func() bool {
		n, err := f.db.UnreadCount(ctx, a.ID)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	dialogs := decode[[]storage.Dialog](t, f.do(t, http.MethodGet, "/api/messages/dialogs", nil))
	require.Len(t, dialogs, 1)
	assert.Equal(t, b.ID, dialogs[0].PeerID)
}

func texts(fr chatFrame) []string {
	out := make([]string, len(fr.Messages))
	for i, m := range fr.Messages {
		out[i] = m.Text
	}
	return out
}

func TestQuestionnaire(t *testing.T) {
	f := newFixture(t)
	f.register(t, "anna", "student")
	f.login(t, "anna", "secret1")

	qs := decode[struct {
		Questions []quiz.Question `json:"questions"`
		Source    quiz.Source     `json:"source"`
		MaxScore  int             `json:"maxScore"`
	}](t, f.do(t, http.MethodGet, "/api/tests/questions", nil))
	assert.Equal(t, quiz.SourceEmbedded, qs.Source)
	assert.Equal(t, len(qs.Questions)*4, qs.MaxScore)

	rec := f.do(t, http.MethodPost, "/api/tests/submit", map[string]any{"answers": []int{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/tests/submit", map[string]any{"answers": []int{1, 2, 3}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[storage.TestResult](t, rec)
	assert.Equal(t, 6, res.Score)
	assert.Equal(t, quiz.AdviceSeeSpecialist, res.Recommendations)

	sum := decode[quiz.Summary](t, f.do(t, http.MethodGet, "/api/tests/history", nil))
	require.Len(t, sum.Results, 1)
	assert.InDelta(t, 6.0, sum.Average, 0.001)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/questions", quiz.Question{Text: "New?"}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/tests/history/999", nil).Code)

	require.NoError(t, f.srv.Accounts.SeedDefaults(context.Background()))
	f.login(t, "admin.test", "123456")
	rec = f.do(t, http.MethodPost, "/api/questions", quiz.Question{Text: "New?", Category: "mood"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[quiz.Question](t, rec)
	assert.Equal(t, 1, saved.ID)

	qs2 := decode[struct {
		Questions []quiz.Question `json:"questions"`
		Source    quiz.Source     `json:"source"`
	}](t, f.do(t, http.MethodGet, "/api/tests/questions", nil))
	assert.Equal(t, quiz.SourceCloud, qs2.Source)
	require.Len(t, qs2.Questions, 1)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/questions/1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/questions/x", nil).Code)
}

func TestSyncEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/sync/status", nil))
	assert.Equal(t, true, status["online"])
	assert.Contains(t, status, "lastSync")

	f.mem.SetOffline(true)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/sync", nil).Code)
}

func TestCallEndpointsWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, "anna", "student")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/call/start", map[string]any{"remoteId": 2}).Code)
	f.login(t, "anna", "secret1")
	// not listening: the login hook of this fixture does not start the call watch
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/call/start", map[string]any{"remoteId": 2, "video": true}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/call/start", map[string]any{"remoteId": 0}).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/call/accept", keyReq{Key: "1_2"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/call/mute", keyReq{Key: "1_2"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/call/mute", keyReq{}).Code)
	assert.Contains(t, f.do(t, http.MethodPost, "/api/call/hangup", keyReq{Key: "1_2"}).Body.String(), "not_found")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/call/session/1_2/events", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/call/media/1_2/remote", nil).Code)

	sessions := decode[[]call.Status](t, f.do(t, http.MethodGet, "/api/call/sessions", nil))
	assert.Empty(t, sessions)
}

func TestCallEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)
}

func TestMethodAndHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/auth/login", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/logs", nil).Code)
}
