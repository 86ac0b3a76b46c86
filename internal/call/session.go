// Package call runs one-to-one audio and video calls. A Session negotiates
// over a signaling.Channel and drives an Engine; the Manager owns the
// sessions of the signed-in user and announces incoming offers.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/signaling"
)

var log = logging.Logger("call")

// Session is one call between the local user and one remote user.
type Session struct {
	key      string
	selfID   string
	remoteID string
	incoming bool

	ch      *signaling.Channel
	factory EngineFactory
	engOpts EngineOptions
	audio   AudioRouter
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	isVideo   bool
	engine    Engine
	initing   bool
	sub       *signaling.Subscription
	offer     *signaling.Message
	early     []signaling.Candidate
	timer     *time.Timer
	muted     bool
	routed    bool
	prevMode  AudioMode
	prevSpkr  bool
	reason    EndReason
	startedAt time.Time
	observers []func(*Session, Event)
}

type sessionConfig struct {
	store   cloud.Store
	selfID  string
	remote  string
	factory EngineFactory
	engOpts EngineOptions
	audio   AudioRouter
	timeout time.Duration
}

func newSession(c sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	ch := signaling.NewChannel(c.store, c.selfID, c.remote)
	if c.audio == nil {
		c.audio = &StateAudio{}
	}
	opts := c.engOpts
	opts.Key = ch.Key()
	return &Session{
		key:       ch.Key(),
		selfID:    c.selfID,
		remoteID:  c.remote,
		ch:        ch,
		factory:   c.factory,
		engOpts:   opts,
		audio:     c.audio,
		timeout:   c.timeout,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// seedOffer puts a callee session into OfferReceived with the offer that
// created it. Messages older than the offer are stale for this call.
func (s *Session) seedOffer(offer signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = true
	s.isVideo = offer.IsVideo
	s.offer = &offer
	s.state = StateOfferReceived
	s.ch.SetSessionStart(offer.Timestamp)
}

func (s *Session) Key() string      { return s.key }
func (s *Session) RemoteID() string { return s.remoteID }
func (s *Session) Incoming() bool   { return s.incoming }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Key:       s.key,
		RemoteID:  s.remoteID,
		Incoming:  s.incoming,
		IsVideo:   s.isVideo,
		State:     s.state.String(),
		Muted:     s.muted,
		Speaker:   s.routed && s.audio.Speaker(),
		EndReason: s.reason,
		StartedAt: s.startedAt,
	}
}

// observe registers fn for every state change.
func (s *Session) observe(fn func(*Session, Event)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Session) notify(ev Event) {
	s.mu.Lock()
	obs := append([]func(*Session, Event){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(s, ev)
	}
}

// Initialize builds the media engine, routes audio for a call and starts
// listening on the signaling channel. It must run once, before StartCall or
// AcceptCall.
func (s *Session) Initialize(ctx context.Context, isVideo bool) error {
	s.mu.Lock()
	if s.engine != nil || s.initing || (s.state != StateIdle && s.state != StateOfferReceived) {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.initing = true
	defer func() {
		s.mu.Lock()
		s.initing = false
		s.mu.Unlock()
	}()
	if s.offer != nil {
		isVideo = s.offer.IsVideo
	}
	s.isVideo = isVideo
	opts := s.engOpts
	opts.Video = isVideo
	s.mu.Unlock()

	eng, err := s.factory(opts)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	eng.OnCandidate(s.publishCandidate)
	eng.OnConnectionState(s.handleConnState)
	eng.OnRemoteTrack(func(kind MediaKind) {
		log.Debugf("%s: remote %s media flowing", s.key, kind)
		s.markConnected()
	})

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		eng.Close()
		return ErrInvalidState
	}
	s.engine = eng
	early := s.early
	s.early = nil
	s.prevMode = s.audio.Mode()
	s.prevSpkr = s.audio.Speaker()
	s.routed = true
	s.mu.Unlock()

	for _, c := range early {
		if err := eng.AddCandidate(c); err != nil {
			log.Debugf("%s: %v", s.key, err)
		}
	}
	s.audio.SetMode(ModeCommunication)
	s.audio.SetSpeaker(isVideo)

	if err := s.listen(); err != nil {
		s.end(ReasonFailed)
		return err
	}
	log.Infof("%s: initialized (video=%v, incoming=%v)", s.key, isVideo, s.incoming)
	return nil
}

// listen attaches the signal loop to the channel once. Incoming sessions
// listen from the moment they are created so a hang-up or early candidates
// are not missed while ringing.
func (s *Session) listen() error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sub, err := s.ch.Listen(s.ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateEnded || s.sub != nil {
		s.mu.Unlock()
		sub.Stop()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.signalLoop(sub)
	return nil
}

// StartCall clears leftovers of earlier calls on the channel and publishes
// a fresh offer.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	eng := s.engine
	if eng == nil || s.state != StateIdle || s.incoming {
		s.mu.Unlock()
		return ErrInvalidState
	}
	isVideo := s.isVideo
	s.mu.Unlock()

	s.audio.PlayTone(ToneDialing)
	if err := s.ch.Reset(ctx); err != nil {
		s.end(ReasonFailed)
		return err
	}
	sdp, err := eng.CreateOffer(ctx)
	if err != nil {
		s.end(ReasonFailed)
		return err
	}
	// OfferSent before the offer is visible, so a fast answer is not dropped
	if !s.transition(StateOfferSent, StateIdle) {
		return ErrInvalidState
	}
	s.armTimeout()
	if err := s.ch.Publish(ctx, signaling.Message{Type: signaling.Offer, SDP: sdp, IsVideo: isVideo}); err != nil {
		s.end(ReasonFailed)
		return err
	}
	log.Infof("%s: offer sent to %s", s.key, s.remoteID)
	return nil
}

// AcceptCall answers the pending offer.
func (s *Session) AcceptCall(ctx context.Context) error {
	s.mu.Lock()
	eng := s.engine
	if eng == nil || s.state != StateOfferReceived {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if s.offer == nil {
		s.mu.Unlock()
		return ErrNoPendingOffer
	}
	offer := *s.offer
	s.offer = nil
	s.mu.Unlock()

	s.audio.StopTone()
	answer, err := eng.AcceptOffer(ctx, offer.SDP)
	if err != nil {
		s.end(ReasonFailed)
		return err
	}
	if err := s.ch.Publish(ctx, signaling.Message{Type: signaling.Answer, SDP: answer, IsVideo: offer.IsVideo}); err != nil {
		s.end(ReasonFailed)
		return err
	}
	s.armTimeout()
	log.Infof("%s: answered %s", s.key, s.remoteID)
	return nil
}

// EndCall tells the remote side and tears the session down. Idempotent.
func (s *Session) EndCall(ctx context.Context) error {
	if s.State() == StateEnded {
		return nil
	}
	s.publishEnd(ctx)
	s.end(ReasonLocal)
	return nil
}

func (s *Session) publishEnd(ctx context.Context) {
	if err := s.ch.Publish(ctx, signaling.Message{Type: signaling.EndCall}); err != nil {
		log.Warnf("%s: publish END_CALL: %v", s.key, err)
	}
}

// SetMuted mutes or unmutes the microphone. Nothing is signaled.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng == nil {
		return ErrInvalidState
	}
	if err := eng.SetMuted(muted); err != nil {
		return err
	}
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}

// ToggleMute flips the microphone and returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	muted := !s.muted
	s.mu.Unlock()
	if err := s.SetMuted(muted); err != nil {
		return !muted, err
	}
	return muted, nil
}

// SetSpeaker routes audio to the loudspeaker or the earpiece.
func (s *Session) SetSpeaker(on bool) error {
	s.mu.Lock()
	routed := s.routed
	s.mu.Unlock()
	if !routed {
		return ErrInvalidState
	}
	s.audio.SetSpeaker(on)
	return nil
}

// ToggleSpeaker flips the loudspeaker and returns the new state.
func (s *Session) ToggleSpeaker() (bool, error) {
	on := !s.audio.Speaker()
	if err := s.SetSpeaker(on); err != nil {
		return false, err
	}
	return on, nil
}

func (s *Session) SwitchCamera() error {
	s.mu.Lock()
	eng, video := s.engine, s.isVideo
	s.mu.Unlock()
	if eng == nil {
		return ErrInvalidState
	}
	if !video {
		return ErrNoCamera
	}
	return eng.SwitchCamera()
}

// AttachSink renders one side of the call into sink. A sink shows a single
// side at a time; attaching it again moves it.
func (s *Session) AttachSink(slot Slot, sink MediaSink) error {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng == nil {
		return ErrInvalidState
	}
	return eng.AttachSink(slot, sink)
}

func (s *Session) DetachSink(sink MediaSink) {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		eng.DetachSink(sink)
	}
}

func (s *Session) publishCandidate(c signaling.Candidate) {
	if err := s.ch.PublishCandidate(s.ctx, c); err != nil && s.ctx.Err() == nil {
		log.Warnf("%s: publish candidate: %v", s.key, err)
	}
}

func (s *Session) signalLoop(sub *signaling.Subscription) {
	defer s.wg.Done()
	msgs, cands := sub.Messages, sub.Candidates
	for msgs != nil || cands != nil {
		select {
		case <-s.ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			s.handleSignal(m)
		case c, ok := <-cands:
			if !ok {
				cands = nil
				continue
			}
			s.mu.Lock()
			eng := s.engine
			if eng == nil {
				s.early = append(s.early, c)
			}
			s.mu.Unlock()
			if eng == nil {
				continue
			}
			if err := eng.AddCandidate(c); err != nil {
				log.Debugf("%s: %v", s.key, err)
			}
		}
	}
}

func (s *Session) handleSignal(m signaling.Message) {
	switch m.Type {
	case signaling.Offer:
		// a re-offer before we answered replaces the pending one
		s.mu.Lock()
		if s.state == StateOfferReceived && s.offer != nil && m.Timestamp > s.offer.Timestamp {
			s.offer = &m
		}
		s.mu.Unlock()
	case signaling.Answer:
		s.mu.Lock()
		eng, state := s.engine, s.state
		s.mu.Unlock()
		if state != StateOfferSent || eng == nil {
			log.Debugf("%s: ignoring answer in state %s", s.key, state)
			return
		}
		if err := eng.SetAnswer(m.SDP); err != nil {
			log.Errorf("%s: apply answer: %v", s.key, err)
			go s.end(ReasonFailed)
			return
		}
		log.Infof("%s: answer applied", s.key)
	case signaling.EndCall:
		log.Infof("%s: ended by %s", s.key, m.SenderID)
		go s.end(ReasonRemote)
	}
}

func (s *Session) handleConnState(cs ConnState) {
	switch cs {
	case ConnConnected:
		s.markConnected()
	case ConnDisconnected, ConnClosed:
		go s.end(ReasonDisconnected)
	case ConnFailed:
		go s.end(ReasonFailed)
	}
}

func (s *Session) markConnected() {
	if !s.transition(StateConnected, StateOfferSent, StateOfferReceived) {
		return
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.audio.StopTone()
	log.Infof("%s: connected", s.key)
}

// transition moves to next if the current state is one of from.
func (s *Session) transition(next State, from ...State) bool {
	s.mu.Lock()
	ok := false
	for _, f := range from {
		if s.state == f {
			ok = true
			break
		}
	}
	if ok {
		s.state = next
	}
	s.mu.Unlock()
	if ok {
		s.notify(Event{Key: s.key, State: next.String()})
	}
	return ok
}

// armTimeout ends the session if it is not connected within the
// negotiation timeout.
func (s *Session) armTimeout() {
	if s.timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, func() {
		st := s.State()
		if st == StateConnected || st == StateEnded {
			return
		}
		log.Warnf("%s: not connected after %s", s.key, s.timeout)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.publishEnd(ctx)
		s.end(ReasonTimeout)
	})
}

// end releases everything the session holds. Only the first call has any
// effect.
func (s *Session) end(reason EndReason) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.reason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	eng, sub := s.engine, s.sub
	routed, mode, spkr := s.routed, s.prevMode, s.prevSpkr
	s.routed = false
	s.mu.Unlock()

	s.cancel()
	if sub != nil {
		sub.Stop()
	}
	s.wg.Wait()
	if eng != nil {
		if err := eng.Close(); err != nil {
			log.Debugf("%s: close engine: %v", s.key, err)
		}
	}
	s.audio.StopTone()
	if routed {
		s.audio.SetMode(mode)
		s.audio.SetSpeaker(spkr)
	}
	log.Infof("%s: ended (%s)", s.key, reason)
	close(s.done)
	s.notify(Event{Key: s.key, State: StateEnded.String(), Reason: reason})
}
