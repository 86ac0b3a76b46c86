package cloud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/schoolpsy/psyhelper/internal/role"
	"github.com/schoolpsy/psyhelper/internal/storage"
	"github.com/schoolpsy/psyhelper/internal/util"
)

// Collection names
const (
	Users           = "users"
	Messages        = "messages"
	TestResults     = "testResults"
	Questions       = "questions"
	Calls           = "calls"
	Candidates      = "candidates"
	ConnectionTests = "test_connections"
	Counters        = "counters"
)

// resultNamespace scopes the deterministic ids of test result documents.
var resultNamespace = uuid.MustParse("5b0c3a52-4f4e-4d8e-9a53-2f0c6e1b7d21")

// Mirror is the typed view of the cloud collections used by sync and
// accounts.
type Mirror struct {
	store Store
}

func NewMirror(s Store) *Mirror {
	return &Mirror{store: s}
}

func (m *Mirror) Store() Store { return m.store }

// Authoritative reports whether a user missing from the store was really
// deleted there, as opposed to never having been written to this instance.
func (m *Mirror) Authoritative() bool {
	d, ok := m.store.(Durable)
	return ok && d.Durable()
}

// TestConnection writes and reads back a test document.
func (m *Mirror) TestConnection(ctx context.Context) error {
	now := util.NowMillis()
	if err := m.store.Set(ctx, ConnectionTests, "app_test", map[string]any{
		"timestamp": now,
		"message":   "connection test",
	}); err != nil {
		return fmt.Errorf("write test document: %w", err)
	}
	d, err := m.store.Get(ctx, ConnectionTests, "app_test")
	if err != nil {
		return fmt.Errorf("read test document: %w", err)
	}
	if ts, _ := d.Int64("timestamp"); ts != now {
		return errors.New("test document read back a different value")
	}
	return nil
}

// NextUserID allocates a fresh account id from the shared counter,
// skipping ids already taken by documents written before the counter existed.
func (m *Mirror) NextUserID(ctx context.Context) (int64, error) {
	for i := 0; i < 1000; i++ {
		id, err := m.store.Increment(ctx, Counters, Users, "seq", 1)
		if err != nil {
			return 0, fmt.Errorf("allocate user id: %w", err)
		}
		_, err = m.store.Get(ctx, Users, strconv.FormatInt(id, 10))
		if errors.Is(err, ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return 0, fmt.Errorf("allocate user id: %w", err)
		}
	}
	return 0, errors.New("allocate user id: counter is far behind existing users")
}

func userFields(u storage.User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"username":    u.Username,
		"password":    u.Password,
		"firstName":   u.FirstName,
		"lastName":    u.LastName,
		"role":        string(u.Role),
		"avatarColor": u.AvatarColor,
		"createdAt":   u.CreatedAt,
	}
}

// UserFromDoc decodes a user document. The id falls back to the document
// id; a missing role becomes role.Default.
func UserFromDoc(d Doc) (storage.User, error) {
	id, ok := d.Int64("id")
	if !ok || id <= 0 {
		id, _ = strconv.ParseInt(d.ID, 10, 64)
	}
	if id <= 0 {
		return storage.User{}, fmt.Errorf("user %q: no numeric id", d.ID)
	}
	username := d.String("username")
	if username == "" {
		return storage.User{}, fmt.Errorf("user %q: empty username", d.ID)
	}
	color, _ := d.Int64("avatarColor")
	created, _ := d.Int64("createdAt")
	return storage.User{
		ID:          id,
		Username:    username,
		Password:    d.String("password"),
		FirstName:   d.String("firstName"),
		LastName:    d.String("lastName"),
		Role:        role.Normalize(d.String("role")),
		AvatarColor: color,
		CreatedAt:   created,
		Synced:      true,
	}, nil
}

func (m *Mirror) PutUser(ctx context.Context, u storage.User) error {
	return m.store.Set(ctx, Users, strconv.FormatInt(u.ID, 10), userFields(u))
}

func (m *Mirror) GetUser(ctx context.Context, id int64) (storage.User, error) {
	d, err := m.store.Get(ctx, Users, strconv.FormatInt(id, 10))
	if err != nil {
		return storage.User{}, err
	}
	return UserFromDoc(d)
}

func (m *Mirror) DeleteUser(ctx context.Context, id int64) error {
	return m.store.Delete(ctx, Users, strconv.FormatInt(id, 10))
}

// AllUsers returns every well-formed user document. Malformed documents are
// logged and skipped.
func (m *Mirror) AllUsers(ctx context.Context) ([]storage.User, error) {
	docs, err := m.store.Find(ctx, Users, Query{})
	if err != nil {
		return nil, err
	}
	out := make([]storage.User, 0, len(docs))
	for _, d := range docs {
		u, err := UserFromDoc(d)
		if err != nil {
			log.Warnf("skipping user document: %v", err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// MessageID is the document id of a message.
func MessageID(m storage.Message) string {
	return fmt.Sprintf("%d_%d_%d", m.SenderID, m.ReceiverID, m.Timestamp)
}

func MessageFromDoc(d Doc) (storage.Message, error) {
	s, ok1 := d.Int64("senderId")
	r, ok2 := d.Int64("receiverId")
	ts, ok3 := d.Int64("timestamp")
	if !ok1 || !ok2 || !ok3 {
		return storage.Message{}, fmt.Errorf("message %q: missing sender, receiver or timestamp", d.ID)
	}
	return storage.Message{
		SenderID:   s,
		ReceiverID: r,
		SenderName: d.String("senderName"),
		Text:       d.String("text"),
		Timestamp:  ts,
		IsRead:     d.Bool("isRead"),
	}, nil
}

func (m *Mirror) PutMessage(ctx context.Context, msg storage.Message) error {
	return m.store.Set(ctx, Messages, MessageID(msg), map[string]any{
		"senderId":   msg.SenderID,
		"receiverId": msg.ReceiverID,
		"senderName": msg.SenderName,
		"text":       msg.Text,
		"timestamp":  msg.Timestamp,
		"isRead":     msg.IsRead,
	})
}

// MessagesFor returns messages sent by or addressed to uid, oldest first.
func (m *Mirror) MessagesFor(ctx context.Context, uid int64) ([]storage.Message, error) {
	var out []storage.Message
	for _, field := range []string{"senderId", "receiverId"} {
		docs, err := m.store.Find(ctx, Messages, Query{Where: []Cond{Eq(field, uid)}})
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			msg, err := MessageFromDoc(d)
			if err != nil {
				log.Warnf("skipping message document: %v", err)
				continue
			}
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// ListenConversation follows messages exchanged between a and b.
func (m *Mirror) ListenConversation(ctx context.Context, a, b int64) (*Listener, error) {
	return m.store.Listen(ctx, Messages, Query{Where: []Cond{
		In("senderId", a, b),
		In("receiverId", a, b),
	}})
}

// ListenInbox follows every message addressed to uid.
func (m *Mirror) ListenInbox(ctx context.Context, uid int64) (*Listener, error) {
	return m.store.Listen(ctx, Messages, Query{Where: []Cond{Eq("receiverId", uid)}})
}

// TestResultID derives a stable document id from the owner and date so a
// re-upload overwrites instead of duplicating.
func TestResultID(r storage.TestResult) string {
	key := strconv.FormatInt(r.UserID, 10) + "|" + r.Date
	return strconv.FormatInt(r.UserID, 10) + "_" + uuid.NewSHA1(resultNamespace, []byte(key)).String()
}

func (m *Mirror) PutTestResult(ctx context.Context, r storage.TestResult) error {
	return m.store.Set(ctx, TestResults, TestResultID(r), map[string]any{
		"userId":          r.UserID,
		"studentName":     r.StudentName,
		"score":           r.Score,
		"date":            r.Date,
		"answers":         r.Answers,
		"recommendations": r.Recommendations,
		"categoryScores":  r.CategoryScores,
	})
}

func TestResultFromDoc(d Doc) (storage.TestResult, error) {
	uid, ok := d.Int64("userId")
	if !ok {
		return storage.TestResult{}, fmt.Errorf("test result %q: missing userId", d.ID)
	}
	score, _ := d.Int64("score")
	date := d.String("date")
	if date == "" {
		return storage.TestResult{}, fmt.Errorf("test result %q: missing date", d.ID)
	}
	answers := d.Ints("answers")
	if answers == nil {
		// older clients stored the list as text
		answers = storage.DecodeAnswers(d.String("answers"))
	}
	cats := d.IntMap("categoryScores")
	if cats == nil {
		cats = storage.DecodeCategoryScores(d.String("categoryScores"))
	}
	return storage.TestResult{
		UserID:          uid,
		StudentName:     d.String("studentName"),
		Score:           int(score),
		Date:            date,
		Answers:         answers,
		Recommendations: d.String("recommendations"),
		CategoryScores:  cats,
	}, nil
}

func (m *Mirror) TestResultsFor(ctx context.Context, uid int64) ([]storage.TestResult, error) {
	docs, err := m.store.Find(ctx, TestResults, Query{Where: []Cond{Eq("userId", uid)}, OrderBy: "date", Desc: true})
	if err != nil {
		return nil, err
	}
	out := make([]storage.TestResult, 0, len(docs))
	for _, d := range docs {
		r, err := TestResultFromDoc(d)
		if err != nil {
			log.Warnf("skipping test result document: %v", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
