package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schoolpsy/psyhelper/internal/cloud"
)

// CandidateSkew is how far before the session start a remote candidate may
// be stamped and still count as part of this call.
const CandidateSkew = 10 * time.Second

// Subscription delivers filtered remote messages and candidates for one
// channel. Both channels close after Stop.
type Subscription struct {
	Messages   <-chan Message
	Candidates <-chan Candidate

	docL  *cloud.Listener
	candL *cloud.Listener
	once  sync.Once
	wg    sync.WaitGroup
	quit  chan struct{}
}

// Listen attaches to the pair document and its candidates. Self-authored
// and stale entries never reach the subscriber.
func (c *Channel) Listen(ctx context.Context) (*Subscription, error) {
	docL, err := c.store.Listen(ctx, cloud.Calls, cloud.Query{Where: []cloud.Cond{cloud.Eq("callId", c.key)}})
	if err != nil {
		return nil, fmt.Errorf("listen signal doc: %w", err)
	}
	candL, err := c.store.Listen(ctx, c.candidatesPath(), cloud.Query{})
	if err != nil {
		docL.Stop()
		return nil, fmt.Errorf("listen candidates: %w", err)
	}

	msgs := make(chan Message, 8)
	cands := make(chan Candidate, 64)
	s := &Subscription{
		Messages:   msgs,
		Candidates: cands,
		docL:       docL,
		candL:      candL,
		quit:       make(chan struct{}),
	}
	self, start := c.self, c.start

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(msgs)
		var last Message
		for ch := range docL.C {
			if ch.Kind == cloud.Removed {
				continue
			}
			m, err := messageFromDoc(ch.Doc)
			if err != nil {
				log.Debugf("%s: ignoring malformed signal: %v", c.key, err)
				continue
			}
			if !Accept(m, self, start) {
				log.Debugf("%s: dropping %s from %s at %d (self or stale)", c.key, m.Type, m.SenderID, m.Timestamp)
				continue
			}
			if m.Type == last.Type && m.Timestamp == last.Timestamp && m.SenderID == last.SenderID {
				continue
			}
			last = m
			select {
			case msgs <- m:
			case <-s.quit:
				return
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		defer close(cands)
		for ch := range candL.C {
			if ch.Kind != cloud.Added {
				continue
			}
			cand, err := candidateFromDoc(ch.Doc)
			if err != nil {
				log.Debugf("%s: ignoring malformed candidate: %v", c.key, err)
				continue
			}
			// The caller gathers candidates shortly before its offer is
			// stamped, so the cutoff trails the session start.
			if cand.SenderID == self || (cand.Timestamp != 0 && cand.Timestamp < start-CandidateSkew.Milliseconds()) {
				continue
			}
			select {
			case cands <- cand:
			case <-s.quit:
				return
			}
		}
	}()
	return s, nil
}

// Stop detaches both listeners and waits for delivery to end. Idempotent.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		close(s.quit)
		s.docL.Stop()
		s.candL.Stop()
	})
	s.wg.Wait()
}

// IncomingCall is a fresh OFFER addressed to the watching user.
type IncomingCall struct {
	Key      string
	CallerID string
	Offer    Message
}

// IncomingWatch follows the calls collection for offers addressed to one
// user.
type IncomingWatch struct {
	C <-chan IncomingCall

	l    *cloud.Listener
	once sync.Once
	done chan struct{}
	quit chan struct{}
}

// WatchIncoming reports OFFER documents whose key names self as a
// participant, written by the other participant less than fresh ago.
func WatchIncoming(ctx context.Context, store cloud.Store, self string, fresh time.Duration) (*IncomingWatch, error) {
	l, err := store.Listen(ctx, cloud.Calls, cloud.Query{Where: []cloud.Cond{cloud.Eq("type", string(Offer))}})
	if err != nil {
		return nil, fmt.Errorf("watch incoming calls: %w", err)
	}
	out := make(chan IncomingCall, 4)
	w := &IncomingWatch{C: out, l: l, done: make(chan struct{}), quit: make(chan struct{})}

	go func() {
		defer close(w.done)
		defer close(out)
		seen := make(map[string]int64)
		for ch := range l.C {
			if ch.Kind == cloud.Removed {
				continue
			}
			key := ch.Doc.ID
			if !Involves(key, self) {
				continue
			}
			m, err := messageFromDoc(ch.Doc)
			if err != nil || m.Type != Offer || m.SenderID == self {
				continue
			}
			age := time.Since(time.UnixMilli(m.Timestamp))
			if age >= fresh {
				log.Debugf("%s: ignoring offer from %s, %s old", key, m.SenderID, age.Round(time.Second))
				continue
			}
			if seen[key] == m.Timestamp {
				continue
			}
			seen[key] = m.Timestamp
			select {
			case out <- IncomingCall{Key: key, CallerID: m.SenderID, Offer: m}:
			case <-w.quit:
				return
			}
		}
	}()
	return w, nil
}

func (w *IncomingWatch) Stop() {
	w.once.Do(func() {
		close(w.quit)
		w.l.Stop()
	})
	<-w.done
}
