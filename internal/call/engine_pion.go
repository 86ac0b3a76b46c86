package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/schoolpsy/psyhelper/internal/signaling"
)

// pionEngine is the Engine backed by a pion PeerConnection.
type pionEngine struct {
	key   string
	pc    *webrtc.PeerConnection
	media *platformMedia
	sinks *sinkTable

	mu          sync.Mutex
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	muted       bool
	remoteSSRC  uint32
	onCand      func(signaling.Candidate)
	onState     func(ConnState)
	onTrack     func(MediaKind)
	closeOnce   sync.Once
}

// NewPionEngine builds a peer connection with local capture for opts.
// It satisfies EngineFactory.
func NewPionEngine(opts EngineOptions) (Engine, error) {
	media, me, err := newPlatformMedia(opts)
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}
	api, err := newAPI(me)
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(opts.ICEServers)})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	e := &pionEngine{key: opts.Key, pc: pc, media: media, sinks: newSinkTable()}

	pc.OnICECandidate(e.handleCandidate)
	pc.OnConnectionStateChange(e.handleState)
	pc.OnTrack(e.handleTrack)

	if err := media.capture(e); err != nil {
		pc.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	return e, nil
}

func (e *pionEngine) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (e *pionEngine) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.setRemote(webrtc.SDPTypeOffer, offer); err != nil {
		return "", err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (e *pionEngine) SetAnswer(answer string) error {
	return e.setRemote(webrtc.SDPTypeAnswer, answer)
}

// setRemote applies the description and then any candidates that arrived
// before it.
func (e *pionEngine) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	e.mu.Lock()
	e.remoteSet = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, c := range queued {
		if err := e.pc.AddICECandidate(c); err != nil {
			log.Debugf("%s: queued candidate rejected: %v", e.key, err)
		}
	}
	return nil
}

func (e *pionEngine) AddCandidate(c signaling.Candidate) error {
	mid, idx := c.SDPMid, c.SDPMLineIndex
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}
	e.mu.Lock()
	if !e.remoteSet {
		e.pending = append(e.pending, init)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (e *pionEngine) OnCandidate(fn func(signaling.Candidate)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *pionEngine) OnConnectionState(fn func(ConnState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *pionEngine) OnRemoteTrack(fn func(MediaKind)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *pionEngine) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	out := signaling.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		out.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		out.SDPMLineIndex = *init.SDPMLineIndex
	}
	e.mu.Lock()
	fn := e.onCand
	e.mu.Unlock()
	if fn != nil {
		fn(out)
	}
}

func (e *pionEngine) handleState(s webrtc.PeerConnectionState) {
	log.Debugf("%s: peer connection %s", e.key, s)
	var cs ConnState
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		cs = ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		cs = ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		cs = ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		cs = ConnFailed
	case webrtc.PeerConnectionStateClosed:
		cs = ConnClosed
	default:
		cs = ConnNew
	}
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(cs)
	}
}

func (e *pionEngine) handleTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := KindAudio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
		e.mu.Lock()
		e.remoteSSRC = uint32(tr.SSRC())
		e.mu.Unlock()
		if e.sinks.has(SlotRemote) {
			e.requestKeyframe()
		}
	}
	log.Infof("%s: remote %s track (%s)", e.key, kind, tr.Codec().MimeType)

	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	if fn != nil {
		fn(kind)
	}

	go func() {
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				return
			}
			e.sinks.write(SlotRemote, kind, pkt)
		}
	}()
}

// requestKeyframe asks the remote encoder for a fresh keyframe so a newly
// attached renderer does not start on delta frames.
func (e *pionEngine) requestKeyframe() {
	e.mu.Lock()
	ssrc := e.remoteSSRC
	e.mu.Unlock()
	if ssrc == 0 {
		return
	}
	if err := e.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		log.Debugf("%s: send PLI: %v", e.key, err)
	}
}

func (e *pionEngine) setAudioSender(s *webrtc.RTPSender, t webrtc.TrackLocal) {
	e.mu.Lock()
	e.audioSender, e.audioTrack = s, t
	e.mu.Unlock()
}

func (e *pionEngine) setVideoSender(s *webrtc.RTPSender) {
	e.mu.Lock()
	e.videoSender = s
	e.mu.Unlock()
}

func (e *pionEngine) videoSenderOrNil() *webrtc.RTPSender {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoSender
}

// SetMuted detaches the microphone track from its sender; the m-line and
// the capture stay in place so unmuting is instant.
func (e *pionEngine) SetMuted(muted bool) error {
	e.mu.Lock()
	sender, track := e.audioSender, e.audioTrack
	changed := e.muted != muted
	e.muted = muted
	e.mu.Unlock()
	if sender == nil || !changed {
		return nil
	}
	if muted {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track)
}

func (e *pionEngine) SwitchCamera() error {
	return e.media.switchCamera(e)
}

func (e *pionEngine) AttachSink(slot Slot, sink MediaSink) error {
	if sink == nil {
		return fmt.Errorf("attach %s sink: nil sink", slot)
	}
	if prev, moved := e.sinks.attach(slot, sink); moved {
		log.Debugf("%s: sink moved from %s to %s", e.key, prev, slot)
	}
	switch slot {
	case SlotLocal:
		e.media.startLocalView(e)
	case SlotRemote:
		e.requestKeyframe()
	}
	return nil
}

func (e *pionEngine) DetachSink(sink MediaSink) {
	e.sinks.detach(sink)
}

func (e *pionEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.sinks.clear()
		err = e.pc.Close()
		e.media.close()
	})
	return err
}
