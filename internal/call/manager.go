package call

import (
	"context"
	"sort"
	"sync"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/signaling"
	"github.com/schoolpsy/psyhelper/internal/util"
)

// Manager owns the call sessions of the signed-in user and turns fresh
// offers addressed to them into ringing sessions.
type Manager struct {
	store   cloud.Store
	factory EngineFactory
	audio   AudioRouter
	opts    Options

	mu       sync.RWMutex
	selfID   string
	watch    *signaling.IncomingWatch
	sessions map[string]*Session

	subMu     sync.Mutex
	incoming  map[chan IncomingCall]struct{}
	events    map[chan Event]struct{}
	closeOnce sync.Once
}

func NewManager(store cloud.Store, factory EngineFactory, audio AudioRouter, opts Options) *Manager {
	if factory == nil {
		factory = NewPionEngine
	}
	if audio == nil {
		audio = &StateAudio{}
	}
	return &Manager{
		store:    store,
		factory:  factory,
		audio:    audio,
		opts:     opts,
		sessions: make(map[string]*Session),
		incoming: make(map[chan IncomingCall]struct{}),
		events:   make(map[chan Event]struct{}),
	}
}

func (m *Manager) engineOptions() EngineOptions {
	return EngineOptions{
		ICEServers:   m.opts.ICEServers,
		Width:        m.opts.VideoWidth,
		Height:       m.opts.VideoHeight,
		PreferredCam: m.opts.PreferredCam,
		PreferredMic: m.opts.PreferredMic,
	}
}

// Listen watches for offers addressed to selfID. A previous watch, and
// every session of the previous user, is dropped.
func (m *Manager) Listen(ctx context.Context, selfID string) error {
	w, err := signaling.WatchIncoming(ctx, m.store, selfID, m.opts.IncomingFresh)
	if err != nil {
		return err
	}
	m.mu.Lock()
	prev, prevSelf := m.watch, m.selfID
	m.watch, m.selfID = w, selfID
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	if prevSelf != "" && prevSelf != selfID {
		m.endAll(ReasonShutdown)
	}
	go m.dispatch(w)
	log.Infof("listening for calls to %s", selfID)
	return nil
}

// StopListening drops the incoming watch and all sessions, on logout.
func (m *Manager) StopListening() {
	m.mu.Lock()
	w := m.watch
	m.watch, m.selfID = nil, ""
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	m.endAll(ReasonShutdown)
}

func (m *Manager) dispatch(w *signaling.IncomingWatch) {
	for in := range w.C {
		m.handleIncoming(in)
	}
}

func (m *Manager) handleIncoming(in signaling.IncomingCall) {
	m.mu.Lock()
	self := m.selfID
	if self == "" {
		m.mu.Unlock()
		return
	}
	if cur, ok := m.sessions[in.Key]; ok && cur.State() != StateEnded {
		m.mu.Unlock()
		log.Debugf("%s: offer while a session is active, ignored", in.Key)
		return
	}
	s := m.newSessionLocked(self, in.CallerID)
	s.seedOffer(in.Offer)
	m.mu.Unlock()

	if err := s.listen(); err != nil {
		log.Errorf("%s: listen: %v", in.Key, err)
		s.end(ReasonFailed)
		return
	}
	// unanswered offers end like unanswered calls: timeout, END_CALL
	s.armTimeout()
	m.audio.PlayTone(ToneRinging)
	log.Infof("%s: incoming %s call from %s", in.Key, kindLabel(in.Offer.IsVideo), in.CallerID)
	m.broadcastIncoming(IncomingCall{Key: in.Key, CallerID: in.CallerID, IsVideo: in.Offer.IsVideo})
	m.broadcastEvent(Event{Key: in.Key, State: StateOfferReceived.String()})
}

func kindLabel(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}

func (m *Manager) newSessionLocked(self, remote string) *Session {
	s := newSession(sessionConfig{
		store:   m.store,
		selfID:  self,
		remote:  remote,
		factory: m.factory,
		engOpts: m.engineOptions(),
		audio:   m.audio,
		timeout: m.opts.NegotiationTimeout,
	})
	s.observe(func(s *Session, ev Event) {
		m.broadcastEvent(ev)
		if ev.State == StateEnded.String() {
			m.removeSession(s)
		}
	})
	m.sessions[s.Key()] = s
	return s
}

// StartCall calls remoteID and returns the session in OfferSent.
func (m *Manager) StartCall(ctx context.Context, remoteID string, isVideo bool) (*Session, error) {
	m.mu.Lock()
	self := m.selfID
	if self == "" {
		m.mu.Unlock()
		return nil, ErrNotListening
	}
	key := signaling.PairKey(self, remoteID)
	if cur, ok := m.sessions[key]; ok && cur.State() != StateEnded {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := m.newSessionLocked(self, remoteID)
	m.mu.Unlock()

	if err := s.Initialize(ctx, isVideo); err != nil {
		s.end(ReasonFailed)
		return nil, err
	}
	if err := s.StartCall(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptCall answers the ringing session for key.
func (m *Manager) AcceptCall(ctx context.Context, key string) (*Session, error) {
	s, ok := m.GetSession(key)
	if !ok || !s.Incoming() {
		return nil, ErrNoPendingOffer
	}
	m.audio.StopTone()
	if err := s.Initialize(ctx, false); err != nil {
		return nil, err
	}
	if err := s.AcceptCall(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// RejectCall declines or hangs up the session for key.
func (m *Manager) RejectCall(ctx context.Context, key string) error {
	s, ok := m.GetSession(key)
	if !ok {
		return ErrNoPendingOffer
	}
	return s.EndCall(ctx)
}

func (m *Manager) GetSession(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// AllSessions lists live sessions by key.
func (m *Manager) AllSessions() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	if m.sessions[s.Key()] == s {
		delete(m.sessions, s.Key())
	}
	m.mu.Unlock()
}

func (m *Manager) endAll(reason EndReason) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		if reason == ReasonShutdown && s.State() != StateEnded {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
			s.publishEnd(ctx)
			cancel()
		}
		s.end(reason)
	}
}

// SubscribeIncoming returns a channel of announced incoming calls and its
// cancel func.
func (m *Manager) SubscribeIncoming() (<-chan IncomingCall, func()) {
	ch := make(chan IncomingCall, 4)
	m.subMu.Lock()
	m.incoming[ch] = struct{}{}
	m.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.incoming, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// SubscribeEvents returns a channel of session state changes.
func (m *Manager) SubscribeEvents() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.subMu.Lock()
	m.events[ch] = struct{}{}
	m.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.events, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) broadcastIncoming(in IncomingCall) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.incoming {
		select {
		case ch <- in:
		default:
			log.Warnf("%s: incoming subscriber full, dropped", in.Key)
		}
	}
}

func (m *Manager) broadcastEvent(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.events {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close stops listening and ends every session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.StopListening()
	})
}
