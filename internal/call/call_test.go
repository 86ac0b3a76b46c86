package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/signaling"
)

type fakeEngine struct {
	mu      sync.Mutex
	opts    EngineOptions
	offer   string
	answer  string
	cands   []signaling.Candidate
	muted   bool
	closed  bool
	onCand  func(signaling.Candidate)
	onState func(ConnState)
	sinks   map[MediaSink]Slot
}

func (f *fakeEngine) CreateOffer(context.Context) (string, error) { return "offer-sdp", nil }

func (f *fakeEngine) AcceptOffer(_ context.Context, offer string) (string, error) {
	f.mu.Lock()
	f.offer = offer
	f.mu.Unlock()
	return "answer-sdp", nil
}

func (f *fakeEngine) SetAnswer(a string) error {
	f.mu.Lock()
	f.answer = a
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) AddCandidate(c signaling.Candidate) error {
	f.mu.Lock()
	f.cands = append(f.cands, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) OnCandidate(fn func(signaling.Candidate)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakeEngine) OnConnectionState(fn func(ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeEngine) OnRemoteTrack(func(MediaKind)) {}

func (f *fakeEngine) SetMuted(m bool) error {
	f.mu.Lock()
	f.muted = m
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) SwitchCamera() error { return ErrNoCamera }

func (f *fakeEngine) AttachSink(slot Slot, sink MediaSink) error {
	f.mu.Lock()
	f.sinks[sink] = slot
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) DetachSink(sink MediaSink) {
	f.mu.Lock()
	delete(f.sinks, sink)
	f.mu.Unlock()
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) setState(cs ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(cs)
}

func (f *fakeEngine) emitCandidate(c signaling.Candidate) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	fn(c)
}

func (f *fakeEngine) get() (offer, answer string, cands int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offer, f.answer, len(f.cands), f.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (ff *fakeFactory) new(opts EngineOptions) (Engine, error) {
	e := &fakeEngine{opts: opts, sinks: make(map[MediaSink]Slot)}
	ff.mu.Lock()
	ff.engines = append(ff.engines, e)
	ff.mu.Unlock()
	return e, nil
}

func (ff *fakeFactory) last(t *testing.T) *fakeEngine {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	require.NotEmpty(t, ff.engines)
	return ff.engines[len(ff.engines)-1]
}

type peer struct {
	mgr     *Manager
	audio   *StateAudio
	engines *fakeFactory
}

func newPeer(t *testing.T, store cloud.Store, self string, timeout time.Duration) *peer {
	t.Helper()
	p := &peer{audio: &StateAudio{}, engines: &fakeFactory{}}
	p.mgr = NewManager(store, p.engines.new, p.audio, Options{
		NegotiationTimeout: timeout,
		IncomingFresh:      time.Minute,
	})
	require.NoError(t, p.mgr.Listen(context.Background(), self))
	t.Cleanup(p.mgr.Close)
	return p
}

const wait = 2 * time.Second
const tick = 10 * time.Millisecond

func TestCallBetweenTwoManagers(t *testing.T) {
	ctx := context.Background()
	store := cloud.NewMemory()
	alice := newPeer(t, store, "1", 10*time.Second)
	bob := newPeer(t, store, "2", 10*time.Second)

	incoming, cancel := bob.mgr.SubscribeIncoming()
	defer cancel()

	sa, err := alice.mgr.StartCall(ctx, "2", true)
	require.NoError(t, err)
	assert.Equal(t, StateOfferSent, sa.State())
	assert.Equal(t, "1_2", sa.Key())
	assert.Equal(t, ToneDialing, alice.audio.Tone())
	assert.Equal(t, ModeCommunication, alice.audio.Mode())
	assert.True(t, alice.audio.Speaker())

	var in IncomingCall
	select {
	case in = <-incoming:
	case <-time.After(wait):
		t.Fatal("no incoming call")
	}
	assert.Equal(t, IncomingCall{Key: "1_2", CallerID: "1", IsVideo: true}, in)

	sb, ok := bob.mgr.GetSession(in.Key)
	require.True(t, ok)
	assert.Equal(t, StateOfferReceived, sb.State())
	assert.Equal(t, ToneRinging, bob.audio.Tone())

	// caller candidates gathered before the callee accepts are kept
	alice.engines.last(t).emitCandidate(signaling.Candidate{Candidate: "candidate:a", SDPMid: "0"})
	require.Eventually(t, func() bool {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		return len(sb.early) == 1
	}, wait, tick)

	_, err = bob.mgr.AcceptCall(ctx, in.Key)
	require.NoError(t, err)
	eb := bob.engines.last(t)
	offer, _, cands, _ := eb.get()
	assert.Equal(t, "offer-sdp", offer)
	assert.Equal(t, 1, cands)
	assert.True(t, eb.opts.Video)
	assert.Equal(t, ToneNone, bob.audio.Tone())

	ea := alice.engines.last(t)
	require.Eventually(t, func() bool {
		_, answer, _, _ := ea.get()
		return answer == "answer-sdp"
	}, wait, tick)

	ea.setState(ConnConnected)
	eb.setState(ConnConnected)
	assert.Equal(t, StateConnected, sa.State())
	assert.Equal(t, StateConnected, sb.State())
	assert.Equal(t, ToneNone, alice.audio.Tone())

	require.NoError(t, sa.EndCall(ctx))
	assert.Equal(t, StateEnded, sa.State())
	assert.Equal(t, ReasonLocal, sa.EndReason())
	_, _, _, closed := ea.get()
	assert.True(t, closed)
	assert.Equal(t, ModeNormal, alice.audio.Mode())
	assert.False(t, alice.audio.Speaker())

	select {
	case <-sb.Done():
	case <-time.After(wait):
		t.Fatal("callee did not see END_CALL")
	}
	assert.Equal(t, ReasonRemote, sb.EndReason())
	require.Eventually(t, func() bool {
		_, ok := bob.mgr.GetSession(in.Key)
		return !ok
	}, wait, tick)
}

func TestCalleeSessionStartsAtOffer(t *testing.T) {
	ctx := context.Background()
	store := cloud.NewMemory()
	bob := newPeer(t, store, "2", 10*time.Second)
	incoming, cancel := bob.mgr.SubscribeIncoming()
	defer cancel()

	caller := signaling.NewChannel(store, "1", "2")
	offerTS := time.Now().UnixMilli() - 5000
	require.NoError(t, caller.Publish(ctx, signaling.Message{Type: signaling.Offer, SDP: "v=0", Timestamp: offerTS}))

	select {
	case <-incoming:
	case <-time.After(wait):
		t.Fatal("offer older than the session was not announced")
	}
	sb, ok := bob.mgr.GetSession(caller.Key())
	require.True(t, ok)
	assert.Equal(t, offerTS, sb.ch.SessionStart())
	assert.False(t, sb.Status().IsVideo)

	_, err := bob.mgr.AcceptCall(ctx, caller.Key())
	require.NoError(t, err)
	offer, _, _, _ := bob.engines.last(t).get()
	assert.Equal(t, "v=0", offer)
	assert.False(t, bob.audio.Speaker())

	_, err = bob.mgr.AcceptCall(ctx, caller.Key())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNegotiationTimeoutEndsCall(t *testing.T) {
	ctx := context.Background()
	store := cloud.NewMemory()
	alice := newPeer(t, store, "1", 100*time.Millisecond)

	sa, err := alice.mgr.StartCall(ctx, "2", false)
	require.NoError(t, err)

	select {
	case <-sa.Done():
	case <-time.After(wait):
		t.Fatal("session did not time out")
	}
	assert.Equal(t, ReasonTimeout, sa.EndReason())

	doc, err := store.Get(ctx, cloud.Calls, sa.Key())
	require.NoError(t, err)
	assert.Equal(t, "END_CALL", doc.String("type"))
	assert.Equal(t, "1", doc.String("senderId"))
}

func TestConnectionFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, cloud.NewMemory(), "1", 10*time.Second)

	sa, err := alice.mgr.StartCall(ctx, "2", true)
	require.NoError(t, err)
	alice.engines.last(t).setState(ConnFailed)

	select {
	case <-sa.Done():
	case <-time.After(wait):
		t.Fatal("session did not end")
	}
	assert.Equal(t, ReasonFailed, sa.EndReason())
}

func TestBusyAndNotListening(t *testing.T) {
	ctx := context.Background()
	store := cloud.NewMemory()
	alice := newPeer(t, store, "1", 10*time.Second)

	_, err := alice.mgr.StartCall(ctx, "2", false)
	require.NoError(t, err)
	_, err = alice.mgr.StartCall(ctx, "2", true)
	assert.ErrorIs(t, err, ErrBusy)

	idle := NewManager(store, (&fakeFactory{}).new, nil, Options{})
	_, err = idle.StartCall(ctx, "2", false)
	assert.ErrorIs(t, err, ErrNotListening)

	_, err = alice.mgr.AcceptCall(ctx, "1_3")
	assert.ErrorIs(t, err, ErrNoPendingOffer)
}

func TestMuteSpeakerAndSinks(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, cloud.NewMemory(), "1", 10*time.Second)

	s := newSession(sessionConfig{store: cloud.NewMemory(), selfID: "1", remote: "2", factory: alice.engines.new, audio: alice.audio})
	_, err := s.ToggleMute()
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.ToggleSpeaker()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Initialize(ctx, true))
	assert.ErrorIs(t, s.Initialize(ctx, true), ErrInvalidState)
	eng := alice.engines.last(t)

	muted, err := s.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, eng.muted)
	assert.True(t, s.Status().Muted)

	on, err := s.ToggleSpeaker()
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, s.SetMuted(false))
	assert.False(t, eng.muted)
	require.NoError(t, s.SetSpeaker(true))
	assert.True(t, alice.audio.Speaker())

	assert.ErrorIs(t, s.SwitchCamera(), ErrNoCamera)

	sink := NewWebMSink(s.Key(), true)
	require.NoError(t, s.AttachSink(SlotRemote, sink))
	assert.Equal(t, SlotRemote, eng.sinks[sink])
	s.DetachSink(sink)
	assert.Empty(t, eng.sinks)

	require.NoError(t, s.EndCall(ctx))
	require.NoError(t, s.EndCall(ctx))
	assert.Equal(t, ReasonLocal, s.EndReason())
}

func TestUnansweredIncomingCallTimesOut(t *testing.T) {
	ctx := context.Background()
	store := cloud.NewMemory()
	bob := newPeer(t, store, "2", 100*time.Millisecond)
	incoming, cancel := bob.mgr.SubscribeIncoming()
	defer cancel()

	// the caller offers and disappears
	caller := signaling.NewChannel(store, "1", "2")
	require.NoError(t, caller.Publish(ctx, signaling.Message{Type: signaling.Offer, SDP: "v=0"}))
	select {
	case <-incoming:
	case <-time.After(wait):
		t.Fatal("offer not announced")
	}
	sb, ok := bob.mgr.GetSession(caller.Key())
	require.True(t, ok)
	assert.Equal(t, ToneRinging, bob.audio.Tone())

	select {
	case <-sb.Done():
	case <-time.After(wait):
		t.Fatal("ringing session never ended")
	}
	assert.Equal(t, ReasonTimeout, sb.EndReason())
	assert.Equal(t, ToneNone, bob.audio.Tone())
	require.Eventually(t, func() bool {
		_, ok := bob.mgr.GetSession(caller.Key())
		return !ok
	}, wait, tick)

	// a new offer rings again
	require.NoError(t, caller.Publish(ctx, signaling.Message{Type: signaling.Offer, SDP: "v=1", Timestamp: time.Now().UnixMilli() + 1}))
	select {
	case in := <-incoming:
		assert.Equal(t, "1", in.CallerID)
	case <-time.After(wait):
		t.Fatal("second offer not announced")
	}
	require.Eventually(t, func() bool {
		_, ok := bob.mgr.GetSession(caller.Key())
		return !ok
	}, wait, tick)

	// and calling back is possible
	sc, err := bob.mgr.StartCall(ctx, "1", false)
	require.NoError(t, err)
	assert.Equal(t, StateOfferSent, sc.State())
}

// offerHookStore runs onOffer right after an OFFER document is written.
type offerHookStore struct {
	cloud.Store
	onOffer func()
}

func (h *offerHookStore) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	if err := h.Store.Set(ctx, coll, id, fields); err != nil {
		return err
	}
	if coll == cloud.Calls && fields["type"] == string(signaling.Offer) && h.onOffer != nil {
		h.onOffer()
	}
	return nil
}

func TestAnswerRightAfterOfferIsApplied(t *testing.T) {
	ctx := context.Background()
	mem := cloud.NewMemory()
	store := &offerHookStore{Store: mem}
	alice := newPeer(t, store, "1", 10*time.Second)

	var stateAtPublish State
	store.onOffer = func() {
		s, ok := alice.mgr.GetSession("1_2")
		require.True(t, ok)
		stateAtPublish = s.State()
		callee := signaling.NewChannel(mem, "2", "1")
		require.NoError(t, callee.Publish(ctx, signaling.Message{Type: signaling.Answer, SDP: "answer-sdp"}))
	}

	sa, err := alice.mgr.StartCall(ctx, "2", false)
	require.NoError(t, err)
	assert.Equal(t, StateOfferSent, stateAtPublish)

	ea := alice.engines.last(t)
	require.Eventually(t, func() bool {
		_, answer, _, _ := ea.get()
		return answer == "answer-sdp"
	}, wait, tick)
	require.NoError(t, sa.EndCall(ctx))
}
