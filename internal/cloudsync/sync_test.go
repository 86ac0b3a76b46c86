package cloudsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/role"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

type fixture struct {
	db     *storage.DB
	mem    *cloud.Memory
	mirror *cloud.Mirror
	sync   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mem := cloud.NewMemory()
	mirror := cloud.NewMirror(mem)
	return &fixture{db: db, mem: mem, mirror: mirror, sync: New(mirror, db, time.Second)}
}

func usernames(t *testing.T, db *storage.DB) map[int64]string {
	t.Helper()
	users, err := db.ListUsers(context.Background())
	require.NoError(t, err)
	out := make(map[int64]string, len(users))
	for _, u := range users {
		out[u.ID] = u.Username
	}
	return out
}

func TestSyncAllDataIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mem.SetDurable(true)

	for _, u := range []storage.User{
		{ID: 1, Username: "olga", Role: role.Teacher},
		{ID: 5, Username: "anna", Role: role.Student},
		{ID: 7, Username: "boris", Role: role.Student},
	} {
		require.NoError(t, f.mirror.PutUser(ctx, u))
	}
	// created offline, its id is taken in the cloud by olga
	id, err := f.db.CreateUser(ctx, storage.User{Username: "local1", Role: role.Student})
	require.NoError(t, err)
	require.EqualValues(t, 1, id)
	// mirrored earlier, deleted in the cloud since
	_, err = f.db.CreateUser(ctx, storage.User{ID: 9, Username: "ghost", Role: role.Student, Synced: true})
	require.NoError(t, err)

	rep, err := f.sync.SyncAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Pulled: 3, Pushed: 1, Removed: 1, Rekeyed: 1}, rep)

	want := map[int64]string{1: "olga", 2: "local1", 5: "anna", 7: "boris"}
	assert.Equal(t, want, usernames(t, f.db))
	pushed, err := f.mirror.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "local1", pushed.Username)

	rep, err = f.sync.SyncAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Equal(t, want, usernames(t, f.db))

	unsynced, err := f.db.UnsyncedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
	_, ok := f.sync.LastSync(ctx)
	assert.True(t, ok)
}

func TestOfflineSkipsButSendStoresLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mem.SetOffline(true)

	assert.False(t, f.sync.IsOnline(ctx))
	_, err := f.sync.SyncAllData(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	_, err = f.sync.SyncMessagesForUser(ctx, 1)
	assert.ErrorIs(t, err, ErrOffline)
	assert.ErrorIs(t, f.sync.SyncOnTestSave(ctx, storage.TestResult{UserID: 1, Date: "2024-01-01 10:00:00"}), ErrOffline)

	msg, err := f.sync.SendMessage(ctx, storage.Message{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.NoError(t, err)
	assert.NotZero(t, msg.Timestamp)
	conv, err := f.db.Conversation(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, msg.Timestamp, conv[0].Timestamp)
}

func TestSyncMessagesDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sent, err := f.sync.SendMessage(ctx, storage.Message{SenderID: 1, ReceiverID: 2, Text: "hello", Timestamp: 1000})
	require.NoError(t, err)
	require.NoError(t, f.mirror.PutMessage(ctx, storage.Message{SenderID: 2, ReceiverID: 1, Text: "hey", Timestamp: 2000}))

	// the echo of our own send is already stored
	n, err := f.sync.SyncMessagesForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.sync.SyncMessagesForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	conv, err := f.db.Conversation(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, sent.Text, conv[0].Text)
	assert.Equal(t, "hey", conv[1].Text)
}

func TestConversationRealtimeDropsOwnMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	got := make(chan storage.Message, 8)
	_, err := f.sync.StartConversationRealtime(ctx, 1, 2, 1, func(m storage.Message) { got <- m })
	require.NoError(t, err)

	require.NoError(t, f.mirror.PutMessage(ctx, storage.Message{SenderID: 1, ReceiverID: 2, Text: "mine", Timestamp: 10}))
	require.NoError(t, f.mirror.PutMessage(ctx, storage.Message{SenderID: 2, ReceiverID: 1, Text: "theirs", Timestamp: 11}))
	require.NoError(t, f.mirror.PutMessage(ctx, storage.Message{SenderID: 3, ReceiverID: 1, Text: "other chat", Timestamp: 12}))

	select {
	case m := <-got:
		assert.Equal(t, "theirs", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no live message")
	}
	select {
	case m := <-got:
		t.Fatalf("unexpected %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	f.sync.StopConversationRealtime()
	f.sync.StopConversationRealtime()
	require.NoError(t, f.mirror.PutMessage(ctx, storage.Message{SenderID: 2, ReceiverID: 1, Text: "late", Timestamp: 13}))
	select {
	case m := <-got:
		t.Fatalf("delivered after stop: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	conv, err := f.db.Conversation(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, "theirs", conv[0].Text)
}

func TestInboxRealtime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	got := make(chan storage.Message, 8)
	require.NoError(t, f.sync.StartUserMessagesRealtime(ctx, 1, func(m storage.Message) { got <- m }))
	defer f.sync.StopAllRealtime()

	require.NoError(t, f.mirror.PutMessage(ctx, storage.Message{SenderID: 3, ReceiverID: 1, Text: "ping", Timestamp: 5}))
	select {
	case m := <-got:
		assert.EqualValues(t, 3, m.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbox message")
	}
	unread, err := f.db.UnreadCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestSyncTestResultsBothWays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.db.SaveTestResult(ctx, storage.TestResult{UserID: 1, Score: 12, Date: "2024-03-01 09:00:00", Answers: []int{2, 2}})
	require.NoError(t, err)
	require.NoError(t, f.mirror.PutTestResult(ctx, storage.TestResult{UserID: 1, Score: 30, Date: "2024-03-02 09:00:00", Answers: []int{5, 5}}))

	pulled, pushed, err := f.sync.SyncTestResultsForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pulled)
	assert.Equal(t, 1, pushed)

	pulled, pushed, err = f.sync.SyncTestResultsForUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, pulled)
	assert.Zero(t, pushed)

	history, err := f.db.TestHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2024-03-02 09:00:00", history[0].Date)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mirror.PutUser(context.Background(), storage.User{ID: 4, Username: "vera", Role: role.Student}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sync.Run(ctx, time.Hour, func() int64 { return 4 })
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, ok := f.sync.LastSync(context.Background())
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, map[int64]string{4: "vera"}, usernames(t, f.db))
}

func TestRestartOnEmptyStoreKeepsSyncedUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u, err := f.db.CreateUser(ctx, storage.User{Username: "nina", Role: role.Student})
	require.NoError(t, err)
	_, err = f.sync.SyncAllData(ctx)
	require.NoError(t, err)

	// next launch: same database, a memory store that starts empty
	fresh := cloud.NewMirror(cloud.NewMemory())
	restarted := New(fresh, f.db, time.Second)
	rep, err := restarted.SyncAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Pushed: 1}, rep)

	assert.Equal(t, map[int64]string{u: "nina"}, usernames(t, f.db))
	got, err := fresh.GetUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "nina", got.Username)

	rep, err = restarted.SyncAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestOfflineDeleteIsNotPulledBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mem.SetDurable(true)
	for _, u := range []storage.User{
		{ID: 3, Username: "lev", Role: role.Student, Synced: true},
		{ID: 4, Username: "ira", Role: role.Student, Synced: true},
	} {
		_, err := f.db.CreateUser(ctx, u)
		require.NoError(t, err)
		require.NoError(t, f.mirror.PutUser(ctx, u))
	}

	f.mem.SetOffline(true)
	require.NoError(t, f.sync.SyncOnUserDelete(ctx, 3))
	_, err := f.db.GetUser(ctx, 3)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, f.sync.SyncOnUserDelete(ctx, 3), storage.ErrNotFound)

	f.mem.SetOffline(false)
	rep, err := f.sync.SyncAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Equal(t, map[int64]string{4: "ira"}, usernames(t, f.db))
	_, err = f.mirror.GetUser(ctx, 3)
	assert.ErrorIs(t, err, cloud.ErrNotFound)

	// replayed once; a new cloud user with that id is pulled normally
	require.NoError(t, f.mirror.PutUser(ctx, storage.User{ID: 3, Username: "lev2", Role: role.Student}))
	rep, err = f.sync.SyncAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Pulled: 1}, rep)
}

func TestOnlineDeleteRemovesCloudCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := storage.User{ID: 6, Username: "oleg", Role: role.Teacher, Synced: true}
	_, err := f.db.CreateUser(ctx, u)
	require.NoError(t, err)
	require.NoError(t, f.mirror.PutUser(ctx, u))

	require.NoError(t, f.sync.SyncOnUserDelete(ctx, 6))
	_, err = f.mirror.GetUser(ctx, 6)
	assert.ErrorIs(t, err, cloud.ErrNotFound)
	pending, err := f.sync.pendingDeletes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStopFeedLeavesNewerFeedRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.sync.StartConversationRealtime(ctx, 1, 2, 1, nil)
	require.NoError(t, err)
	got := make(chan storage.Message, 8)
	second, err := f.sync.StartConversationRealtime(ctx, 1, 3, 1, func(m storage.Message) { got <- m })
	require.NoError(t, err)
	defer f.sync.StopFeed(second)

	// the first socket closes after the second one opened
	f.sync.StopFeed(first)
	f.sync.StopFeed(first)

	require.NoError(t, f.mirror.PutMessage(ctx, storage.Message{SenderID: 3, ReceiverID: 1, Text: "still here", Timestamp: 20}))
	select {
	case m := <-got:
		assert.Equal(t, "still here", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("second feed was stopped")
	}
}

func TestConcurrentSendAndPullStoreEachMessageOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.sync.StartConversationRealtime(ctx, 1, 2, 1, nil)
	require.NoError(t, err)
	defer f.sync.StopAllRealtime()

	const sends, replies = 20, 10
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.sync.SendMessage(ctx, storage.Message{SenderID: 1, ReceiverID: 2, Text: "out", Timestamp: int64(1000 + i)})
			assert.NoError(t, err)
		}(i)
	}
	for i := 0; i < replies; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			err := f.mirror.PutMessage(ctx, storage.Message{SenderID: 2, ReceiverID: 1, Text: "in", Timestamp: int64(1000 + i)})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := f.sync.SyncMessagesForUser(ctx, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err = f.sync.SyncMessagesForUser(ctx, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conv, err := f.db.Conversation(ctx, 1, 2)
		return err == nil && len(conv) == sends+replies
	}, 2*time.Second, 10*time.Millisecond)

	conv, err := f.db.Conversation(ctx, 1, 2)
	require.NoError(t, err)
	type key struct{ from, to, ts int64 }
	seen := make(map[key]int)
	for _, m := range conv {
		seen[key{m.SenderID, m.ReceiverID, m.Timestamp}]++
	}
	assert.Len(t, seen, sends+replies)
	for k, n := range seen {
		assert.Equal(t, 1, n, "message %+v stored %d times", k, n)
	}
}
