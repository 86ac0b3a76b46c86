//go:build linux

package call

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// platformMedia captures camera and microphone through V4L2 and malgo.
type platformMedia struct {
	key      string
	opts     EngineOptions
	selector *mediadevices.CodecSelector

	mu        sync.Mutex
	tracks    []mediadevices.Track
	video     mediadevices.Track
	camID     string
	localView sync.Once
	reader    mediadevices.RTPReadCloser
}

func newPlatformMedia(opts EngineOptions) (*platformMedia, *webrtc.MediaEngine, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vp8.BitRate = 1_500_000
	op, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&op),
	)
	me := &webrtc.MediaEngine{}
	selector.Populate(me)
	return &platformMedia{key: opts.Key, opts: opts, selector: selector}, me, nil
}

func (m *platformMedia) videoConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = deviceID
		}
		// raw formats only; some MJPEG nodes emit frames that break the encoder
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: m.opts.Width}
		c.Height = prop.IntRanged{Max: m.opts.Height}
	}
}

func (m *platformMedia) audioConstraints(c *mediadevices.MediaTrackConstraints) {
	if id := findDevice(mediadevices.AudioInput, m.opts.PreferredMic); id != "" {
		c.DeviceID = id
	}
}

// findDevice resolves a label or device id to a device id.
func findDevice(kind mediadevices.MediaDeviceType, want string) string {
	if want == "" {
		return ""
	}
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == kind && (d.Label == want || d.DeviceID == want) {
			return d.DeviceID
		}
	}
	return ""
}

// capture opens local devices and adds their tracks to e.pc. A missing mic
// must not cost the camera, so the attempts degrade one kind at a time and
// finally fall back to receive-only.
func (m *platformMedia) capture(e *pionEngine) error {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("%s: no media devices found", m.key)
	}
	for _, d := range devices {
		log.Debugf("%s: media device kind=%v label=%q", m.key, d.Kind, d.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if m.opts.Video {
		attempts = []attempt{{true, true, "video+audio"}, {true, false, "video-only"}, {false, true, "audio-only"}}
	}
	camID := findDevice(mediadevices.VideoInput, m.opts.PreferredCam)

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
		if a.video {
			constraints.Video = m.videoConstraints(camID)
		}
		if a.audio {
			constraints.Audio = m.audioConstraints
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("%s: capture %s failed: %v", m.key, a.label, err)
			continue
		}
		tracks := stream.GetTracks()
		m.mu.Lock()
		m.tracks = tracks
		m.camID = camID
		m.mu.Unlock()

		var sentVideo, sentAudio bool
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("%s: local %s track ended: %v", m.key, t.Kind(), err)
				}
			})
			sender, err := e.pc.AddTrack(t)
			if err != nil {
				log.Warnf("%s: add %s track: %v", m.key, t.Kind(), err)
				continue
			}
			go drainRTCP(sender)
			switch t.Kind() {
			case webrtc.RTPCodecTypeVideo:
				m.mu.Lock()
				m.video = t
				m.mu.Unlock()
				e.setVideoSender(sender)
				sentVideo = true
			case webrtc.RTPCodecTypeAudio:
				e.setAudioSender(sender, t)
				sentAudio = true
			}
		}
		if !sentVideo {
			addRecvOnly(m.key, e.pc, webrtc.RTPCodecTypeVideo)
		}
		if !sentAudio {
			addRecvOnly(m.key, e.pc, webrtc.RTPCodecTypeAudio)
		}
		log.Infof("%s: local media captured (%s), %d tracks", m.key, a.label, len(tracks))
		return nil
	}

	log.Warnf("%s: all capture attempts failed, receive-only", m.key)
	addRecvOnly(m.key, e.pc, webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio)
	return nil
}

// startLocalView starts an independent VP8 RTP reader on the camera track
// and feeds the local sink slot. Started once, on the first local sink.
func (m *platformMedia) startLocalView(e *pionEngine) {
	m.localView.Do(func() {
		m.mu.Lock()
		video := m.video
		m.mu.Unlock()
		if video == nil {
			return
		}
		r, err := video.NewRTPReader(webrtc.MimeTypeVP8, 1, 1200)
		if err != nil {
			log.Warnf("%s: local view reader: %v", m.key, err)
			return
		}
		m.mu.Lock()
		m.reader = r
		m.mu.Unlock()
		go func() {
			for {
				pkts, release, err := r.Read()
				if err != nil {
					return
				}
				for _, p := range pkts {
					e.sinks.write(SlotLocal, KindVideo, p)
				}
				release()
			}
		}()
	})
}

// switchCamera moves the video sender to the next camera in enumeration
// order.
func (m *platformMedia) switchCamera(e *pionEngine) error {
	sender := e.videoSenderOrNil()
	if sender == nil {
		return ErrNoCamera
	}
	var cams []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d.DeviceID)
		}
	}
	if len(cams) < 2 {
		return ErrNoCamera
	}
	m.mu.Lock()
	cur := m.camID
	m.mu.Unlock()
	next := cams[0]
	for i, id := range cams {
		if id == cur {
			next = cams[(i+1)%len(cams)]
			break
		}
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: m.selector,
		Video: m.videoConstraints(next),
	})
	if err != nil {
		return err
	}
	vt := stream.GetVideoTracks()
	if len(vt) == 0 {
		return ErrNoCamera
	}
	if err := sender.ReplaceTrack(vt[0]); err != nil {
		vt[0].Close()
		return err
	}

	m.mu.Lock()
	old := m.video
	m.video = vt[0]
	m.camID = next
	m.tracks = append(m.tracks, vt[0])
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Infof("%s: switched camera to %s", m.key, next)
	return nil
}

func (m *platformMedia) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader != nil {
		m.reader.Close()
	}
	for _, t := range m.tracks {
		t.Close()
	}
	m.tracks = nil
	m.video = nil
}
