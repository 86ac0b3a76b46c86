package cloudsync

import (
	"context"
	"sync"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

// Feed is one live message listener and its consumer goroutine.
type Feed struct {
	l    *cloud.Listener
	done chan struct{}
	once sync.Once
}

func (f *Feed) stop() {
	if f == nil {
		return
	}
	f.once.Do(f.l.Stop)
	<-f.done
}

// consume persists every remote message not written by self and hands the
// ones that were new locally to onNew.
func (m *Manager) consume(l *cloud.Listener, self int64, onNew func(storage.Message)) *Feed {
	f := &Feed{l: l, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		for ch := range l.C {
			if ch.Kind == cloud.Removed {
				continue
			}
			msg, err := cloud.MessageFromDoc(ch.Doc)
			if err != nil {
				log.Debugf("live message: %v", err)
				continue
			}
			if msg.SenderID == self {
				continue
			}
			inserted, err := m.db.InsertMessage(context.Background(), msg)
			if err != nil {
				log.Warnf("store live message %s: %v", cloud.MessageID(msg), err)
				continue
			}
			if inserted && onNew != nil {
				onNew(msg)
			}
		}
	}()
	return f
}

// StartConversationRealtime follows the conversation between u1 and u2,
// replacing any previous conversation listener. Messages authored by
// current are dropped. The returned feed is what StopFeed takes.
func (m *Manager) StartConversationRealtime(ctx context.Context, u1, u2, current int64, onNew func(storage.Message)) (*Feed, error) {
	l, err := m.mirror.ListenConversation(ctx, u1, u2)
	if err != nil {
		return nil, err
	}
	f := m.consume(l, current, onNew)
	m.mu.Lock()
	prev := m.conv
	m.conv = f
	m.mu.Unlock()
	prev.stop()
	log.Debugf("live conversation %d<->%d", u1, u2)
	return f, nil
}

// StartUserMessagesRealtime follows every message addressed to uid,
// replacing any previous inbox listener.
func (m *Manager) StartUserMessagesRealtime(ctx context.Context, uid int64, onNew func(storage.Message)) error {
	l, err := m.mirror.ListenInbox(ctx, uid)
	if err != nil {
		return err
	}
	f := m.consume(l, uid, onNew)
	m.mu.Lock()
	prev := m.inbox
	m.inbox = f
	m.mu.Unlock()
	prev.stop()
	return nil
}

// StopConversationRealtime returns once the conversation listener has
// delivered its last message. Idempotent.
func (m *Manager) StopConversationRealtime() {
	m.mu.Lock()
	f := m.conv
	m.conv = nil
	m.mu.Unlock()
	f.stop()
}

// StopFeed stops f, and clears it as the conversation listener only if a
// later StartConversationRealtime has not replaced it.
func (m *Manager) StopFeed(f *Feed) {
	m.mu.Lock()
	if m.conv == f {
		m.conv = nil
	}
	m.mu.Unlock()
	f.stop()
}

// StopAllRealtime stops the conversation and inbox listeners.
func (m *Manager) StopAllRealtime() {
	m.mu.Lock()
	conv, inbox := m.conv, m.inbox
	m.conv, m.inbox = nil, nil
	m.mu.Unlock()
	conv.stop()
	inbox.stop()
}
