package call

import (
	"bytes"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// Slot selects which side of a call a sink renders.
type Slot int

const (
	SlotLocal Slot = iota
	SlotRemote
)

func (s Slot) String() string {
	if s == SlotLocal {
		return "local"
	}
	return "remote"
}

// MediaSink consumes RTP packets of one call side.
type MediaSink interface {
	WriteRTP(kind MediaKind, pkt *rtp.Packet) error
}

// sinkTable binds each sink to exactly one slot. Attaching a sink that is
// already bound moves it.
type sinkTable struct {
	mu    sync.RWMutex
	slots map[MediaSink]Slot
}

func newSinkTable() *sinkTable {
	return &sinkTable{slots: make(map[MediaSink]Slot)}
}

// attach binds sink to slot and reports the slot it was moved from.
func (t *sinkTable) attach(slot Slot, sink MediaSink) (prev Slot, moved bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, moved = t.slots[sink]
	t.slots[sink] = slot
	return prev, moved && prev != slot
}

func (t *sinkTable) detach(sink MediaSink) {
	t.mu.Lock()
	delete(t.slots, sink)
	t.mu.Unlock()
}

func (t *sinkTable) has(slot Slot) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.slots {
		if s == slot {
			return true
		}
	}
	return false
}

func (t *sinkTable) write(slot Slot, kind MediaKind, pkt *rtp.Packet) {
	t.mu.RLock()
	var targets []MediaSink
	for sink, s := range t.slots {
		if s == slot {
			targets = append(targets, sink)
		}
	}
	t.mu.RUnlock()
	for _, sink := range targets {
		if err := sink.WriteRTP(kind, pkt); err != nil {
			log.Debugf("sink write (%s %s): %v", slot, kind, err)
		}
	}
}

func (t *sinkTable) clear() {
	t.mu.Lock()
	t.slots = make(map[MediaSink]Slot)
	t.mu.Unlock()
}

const (
	vp8ClockMs  = 90
	opusClockMs = 48
	// samplebuilder reorder window, in packets
	maxLate = 64
)

// WebMSink rebuilds VP8 and Opus frames from RTP and emits a live WebM
// stream. Each message handed to subscribers is either the init segment or
// one complete cluster.
type WebMSink struct {
	key       string
	withAudio bool

	inMu  sync.Mutex
	video *samplebuilder.SampleBuilder
	audio *samplebuilder.SampleBuilder

	mu        sync.Mutex
	init      []byte
	keyframe  []byte // last keyframe cluster, replayed to late subscribers
	videoBase uint32
	videoSeen bool
	audioBase uint32
	audioSeen bool
	pending   []queuedAudio
	subs      map[chan []byte]struct{}
}

type queuedAudio struct {
	ms    int64
	frame []byte
}

func NewWebMSink(key string, withAudio bool) *WebMSink {
	return &WebMSink{
		key:       key,
		withAudio: withAudio,
		video:     samplebuilder.New(maxLate, &codecs.VP8Packet{}, 90000),
		audio:     samplebuilder.New(maxLate, &codecs.OpusPacket{}, 48000),
		subs:      make(map[chan []byte]struct{}),
	}
}

func (s *WebMSink) WriteRTP(kind MediaKind, pkt *rtp.Packet) error {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	switch kind {
	case KindVideo:
		s.video.Push(pkt)
		for sample := s.video.Pop(); sample != nil; sample = s.video.Pop() {
			s.videoFrame(sample.PacketTimestamp, sample.Data)
		}
	case KindAudio:
		if !s.withAudio {
			return nil
		}
		s.audio.Push(pkt)
		for sample := s.audio.Pop(); sample != nil; sample = s.audio.Pop() {
			s.audioFrame(sample.PacketTimestamp, sample.Data)
		}
	}
	return nil
}

// Subscribe returns a stream of WebM messages. A late subscriber first gets
// the init segment and the last keyframe cluster.
func (s *WebMSink) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	s.mu.Lock()
	if s.init != nil {
		ch <- s.init
		if s.keyframe != nil {
			ch <- s.keyframe
		}
	}
	s.subs[ch] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	log.Debugf("%s: webm subscriber added (%d)", s.key, n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Ready reports whether the init segment exists, which needs one keyframe.
func (s *WebMSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init != nil
}

// videoFrame is one cluster per frame; audio queued since the previous
// frame goes into the same cluster ahead of the video block.
func (s *WebMSink) videoFrame(ts uint32, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.videoSeen {
		s.videoBase, s.videoSeen = ts, true
	}
	ms := int64(ts-s.videoBase) / vp8ClockMs
	key := vp8Keyframe(frame)

	if s.init == nil {
		if !key {
			return
		}
		w, h, ok := vp8Size(frame)
		if !ok {
			w, h = 640, 480
		}
		s.init = initSegment(w, h, s.withAudio)
		log.Infof("%s: webm stream %dx%d audio=%v", s.key, w, h, s.withAudio)
		s.broadcastLocked(s.init)
	}

	start := ms
	if len(s.pending) > 0 && s.pending[0].ms < start {
		start = s.pending[0].ms
	}
	var blocks bytes.Buffer
	for _, a := range s.pending {
		rel := a.ms - start
		if rel > 30000 {
			continue
		}
		blocks.Write(simpleBlock(audioTrack, int16(rel), false, a.frame))
	}
	s.pending = s.pending[:0]
	blocks.Write(simpleBlock(videoTrack, int16(ms-start), key, frame))

	c := cluster(start, blocks.Bytes())
	if key {
		s.keyframe = c
	}
	s.broadcastLocked(c)
}

func (s *WebMSink) audioFrame(ts uint32, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.audioSeen {
		s.audioBase, s.audioSeen = ts, true
	}
	ms := int64(ts-s.audioBase) / opusClockMs
	s.pending = append(s.pending, queuedAudio{ms: ms, frame: append([]byte(nil), frame...)})
}

// broadcastLocked drops the message for subscribers that are behind.
func (s *WebMSink) broadcastLocked(msg []byte) {
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
