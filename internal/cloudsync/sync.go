// Package cloudsync reconciles the local database with the cloud store:
// one-shot passes for users, messages and test results, event-driven pushes
// after local writes, and live message listeners.
package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/storage"
	"github.com/schoolpsy/psyhelper/internal/util"
)

var log = logging.Logger("sync")

// ErrOffline is returned when the cloud did not answer the connectivity
// check. Skipped work is not queued; the next pass picks it up.
var ErrOffline = errors.New("cloud is unreachable")

const (
	metaLastSync       = "last_sync"
	metaPendingDeletes = "pending_user_deletes"
)

// Report counts what one SyncAllData pass changed.
type Report struct {
	Pulled  int `json:"pulled"`
	Pushed  int `json:"pushed"`
	Removed int `json:"removed"`
	Rekeyed int `json:"rekeyed"`
}

type Manager struct {
	mirror        *cloud.Mirror
	db            *storage.DB
	onlineTimeout time.Duration

	passMu sync.Mutex

	mu    sync.Mutex
	conv  *Feed
	inbox *Feed
}

func New(mirror *cloud.Mirror, db *storage.DB, onlineTimeout time.Duration) *Manager {
	if onlineTimeout <= 0 {
		onlineTimeout = util.DefaultConnectTimeout
	}
	return &Manager{mirror: mirror, db: db, onlineTimeout: onlineTimeout}
}

// IsOnline pings the cloud with a short deadline.
func (m *Manager) IsOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.onlineTimeout)
	defer cancel()
	return m.mirror.Store().Ping(ctx) == nil
}

func (m *Manager) requireOnline(ctx context.Context) error {
	if !m.IsOnline(ctx) {
		return ErrOffline
	}
	return nil
}

// SyncAllData reconciles the user table with the cloud. Deletes made
// offline are replayed first. Remote users missing locally are inserted
// with their ids. Local accounts created offline are pushed, moving to a
// fresh cloud id when theirs is taken. Mirrored users that vanished
// remotely are deleted when the store is authoritative; an ephemeral store
// gets them pushed back instead. A second pass without remote changes is a
// no-op.
func (m *Manager) SyncAllData(ctx context.Context) (Report, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	var rep Report
	if err := m.requireOnline(ctx); err != nil {
		return rep, err
	}
	remote, err := m.mirror.AllUsers(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch remote users: %w", err)
	}
	if remote, err = m.replayDeletes(ctx, remote); err != nil {
		return rep, err
	}
	local, err := m.db.ListUsers(ctx)
	if err != nil {
		return rep, err
	}

	remoteByID := make(map[int64]storage.User, len(remote))
	remoteByName := make(map[string]int64, len(remote))
	for _, u := range remote {
		remoteByID[u.ID] = u
		remoteByName[u.Username] = u.ID
	}
	localIDs := make(map[int64]bool, len(local))
	for _, u := range local {
		localIDs[u.ID] = true
	}

	for _, u := range local {
		if u.Synced {
			continue
		}
		if id, ok := remoteByName[u.Username]; ok && id != u.ID {
			log.Warnf("local account %q (id %d) clashes with cloud id %d, left unsynced", u.Username, u.ID, id)
			continue
		}
		if r, taken := remoteByID[u.ID]; taken && r.Username != u.Username {
			newID, err := m.freshID(ctx, localIDs)
			if err != nil {
				return rep, err
			}
			if err := m.db.RekeyUser(ctx, u.ID, newID); err != nil {
				return rep, fmt.Errorf("rekey %q: %w", u.Username, err)
			}
			log.Infof("moved local account %q from id %d to %d", u.Username, u.ID, newID)
			delete(localIDs, u.ID)
			localIDs[newID] = true
			u.ID = newID
			rep.Rekeyed++
		}
		if err := m.mirror.PutUser(ctx, u); err != nil {
			return rep, fmt.Errorf("push %q: %w", u.Username, err)
		}
		if err := m.db.MarkUserSynced(ctx, u.ID); err != nil {
			return rep, err
		}
		remoteByID[u.ID] = u
		rep.Pushed++
	}

	for _, u := range remote {
		if localIDs[u.ID] {
			continue
		}
		ok, err := m.db.InsertUserIfMissing(ctx, u)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.Pulled++
		} else {
			log.Debugf("cloud user %q (id %d) not stored: username in use locally", u.Username, u.ID)
		}
	}

	for _, u := range local {
		if !u.Synced {
			continue
		}
		if _, ok := remoteByID[u.ID]; ok {
			continue
		}
		if !m.mirror.Authoritative() {
			// the store lost its documents, not the user
			if err := m.mirror.PutUser(ctx, u); err != nil {
				return rep, fmt.Errorf("restore %q: %w", u.Username, err)
			}
			rep.Pushed++
			continue
		}
		if err := m.db.DeleteUser(ctx, u.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return rep, err
		}
		rep.Removed++
	}

	if err := m.db.SetMeta(ctx, metaLastSync, strconv.FormatInt(util.NowMillis(), 10)); err != nil {
		log.Warnf("record last sync: %v", err)
	}
	log.Infof("users synced: pulled=%d pushed=%d removed=%d rekeyed=%d", rep.Pulled, rep.Pushed, rep.Removed, rep.Rekeyed)
	return rep, nil
}

// replayDeletes removes the cloud copies of users deleted while offline
// and returns remote without them. A cloud user whose username no longer
// matches the deleted one is left alone.
func (m *Manager) replayDeletes(ctx context.Context, remote []storage.User) ([]storage.User, error) {
	pending, err := m.pendingDeletes(ctx)
	if err != nil || len(pending) == 0 {
		return remote, err
	}
	kept := remote[:0:0]
	for _, u := range remote {
		if name, ok := pending[u.ID]; ok && name == u.Username {
			if err := m.mirror.DeleteUser(ctx, u.ID); err != nil {
				return nil, fmt.Errorf("replay delete of %q: %w", u.Username, err)
			}
			log.Infof("removed cloud user %q deleted while offline", u.Username)
			continue
		}
		kept = append(kept, u)
	}
	if err := m.db.DeleteMeta(ctx, metaPendingDeletes); err != nil {
		return nil, err
	}
	return kept, nil
}

func (m *Manager) pendingDeletes(ctx context.Context) (map[int64]string, error) {
	v, ok, err := m.db.GetMeta(ctx, metaPendingDeletes)
	if err != nil || !ok {
		return nil, err
	}
	pending := make(map[int64]string)
	if err := json.Unmarshal([]byte(v), &pending); err != nil {
		log.Warnf("dropping unreadable pending deletes: %v", err)
		return nil, nil
	}
	return pending, nil
}

// SyncOnUserDelete removes the account locally and in the cloud. When the
// cloud cannot be reached the delete is remembered and replayed by the
// next SyncAllData, so the pass does not pull the user back.
func (m *Manager) SyncOnUserDelete(ctx context.Context, id int64) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	u, err := m.db.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := m.db.DeleteUser(ctx, id); err != nil {
		return err
	}
	if !u.Synced {
		return nil
	}
	if m.IsOnline(ctx) {
		err := m.mirror.DeleteUser(ctx, id)
		if err == nil {
			return nil
		}
		log.Warnf("delete cloud user %d: %v", id, err)
	}
	pending, err := m.pendingDeletes(ctx)
	if err != nil {
		return err
	}
	if pending == nil {
		pending = make(map[int64]string)
	}
	pending[id] = u.Username
	b, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return m.db.SetMeta(ctx, metaPendingDeletes, string(b))
}

// freshID allocates a cloud id that is also free locally.
func (m *Manager) freshID(ctx context.Context, localIDs map[int64]bool) (int64, error) {
	for {
		id, err := m.mirror.NextUserID(ctx)
		if err != nil {
			return 0, err
		}
		if !localIDs[id] {
			return id, nil
		}
	}
}

// LastSync is the time of the last completed SyncAllData pass.
func (m *Manager) LastSync(ctx context.Context) (time.Time, bool) {
	v, ok, err := m.db.GetMeta(ctx, metaLastSync)
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// SyncMessagesForUser pulls every cloud message sent by or to uid and
// returns how many were new locally.
func (m *Manager) SyncMessagesForUser(ctx context.Context, uid int64) (int, error) {
	if err := m.requireOnline(ctx); err != nil {
		return 0, err
	}
	msgs, err := m.mirror.MessagesFor(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("fetch messages: %w", err)
	}
	n := 0
	for _, msg := range msgs {
		ok, err := m.db.InsertMessage(ctx, msg)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		log.Infof("pulled %d messages for user %d", n, uid)
	}
	return n, nil
}

// SyncTestResultsForUser pulls the user's cloud results and pushes local
// ones the cloud does not have.
func (m *Manager) SyncTestResultsForUser(ctx context.Context, uid int64) (pulled, pushed int, err error) {
	if err := m.requireOnline(ctx); err != nil {
		return 0, 0, err
	}
	remote, err := m.mirror.TestResultsFor(ctx, uid)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch test results: %w", err)
	}
	have := make(map[string]bool, len(remote))
	for _, r := range remote {
		have[r.Date] = true
		_, ok, err := m.db.SaveTestResult(ctx, r)
		if err != nil {
			return pulled, pushed, err
		}
		if ok {
			pulled++
		}
	}
	local, err := m.db.TestHistory(ctx, uid)
	if err != nil {
		return pulled, pushed, err
	}
	for _, r := range local {
		if have[r.Date] {
			continue
		}
		if err := m.mirror.PutTestResult(ctx, r); err != nil {
			return pulled, pushed, fmt.Errorf("push test result: %w", err)
		}
		pushed++
	}
	return pulled, pushed, nil
}

// SyncOnUserRegistration mirrors a freshly created account.
func (m *Manager) SyncOnUserRegistration(ctx context.Context, u storage.User) error {
	if err := m.requireOnline(ctx); err != nil {
		return err
	}
	if err := m.mirror.PutUser(ctx, u); err != nil {
		return fmt.Errorf("mirror user: %w", err)
	}
	return m.db.MarkUserSynced(ctx, u.ID)
}

func (m *Manager) SyncOnTestSave(ctx context.Context, r storage.TestResult) error {
	if err := m.requireOnline(ctx); err != nil {
		return err
	}
	if err := m.mirror.PutTestResult(ctx, r); err != nil {
		return fmt.Errorf("mirror test result: %w", err)
	}
	return nil
}

func (m *Manager) SyncOnMessageSend(ctx context.Context, msg storage.Message) error {
	if err := m.requireOnline(ctx); err != nil {
		return err
	}
	if err := m.mirror.PutMessage(ctx, msg); err != nil {
		return fmt.Errorf("mirror message: %w", err)
	}
	return nil
}

// SendMessage stamps msg once, stores it locally and mirrors it with the
// same timestamp so the cloud echo deduplicates against the local row.
// A cloud failure is logged; the message stays local until the next pull
// from the other side.
func (m *Manager) SendMessage(ctx context.Context, msg storage.Message) (storage.Message, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = util.NowMillis()
	}
	if _, err := m.db.InsertMessage(ctx, msg); err != nil {
		return msg, err
	}
	if err := m.SyncOnMessageSend(ctx, msg); err != nil {
		log.Warnf("message %s not mirrored: %v", cloud.MessageID(msg), err)
	}
	return msg, nil
}

// Run repeats a full pass every interval until ctx is done. current
// returns the signed-in user id, or 0; their messages and results are
// included in each pass.
func (m *Manager) Run(ctx context.Context, interval time.Duration, current func() int64) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		m.pass(ctx, current)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Manager) pass(ctx context.Context, current func() int64) {
	if _, err := m.SyncAllData(ctx); err != nil {
		if errors.Is(err, ErrOffline) {
			log.Debugf("sync skipped: offline")
		} else {
			log.Warnf("sync users: %v", err)
		}
		return
	}
	uid := int64(0)
	if current != nil {
		uid = current()
	}
	if uid <= 0 {
		return
	}
	if _, err := m.SyncMessagesForUser(ctx, uid); err != nil {
		log.Warnf("sync messages: %v", err)
	}
	if _, _, err := m.SyncTestResultsForUser(ctx, uid); err != nil {
		log.Warnf("sync test results: %v", err)
	}
}
