//go:build !linux

package call

import "github.com/pion/webrtc/v4"

// platformMedia has no capture drivers outside Linux; sessions still
// negotiate and receive remote media.
type platformMedia struct {
	key string
}

func newPlatformMedia(opts EngineOptions) (*platformMedia, *webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	return &platformMedia{key: opts.Key}, me, nil
}

func (m *platformMedia) capture(e *pionEngine) error {
	addRecvOnly(m.key, e.pc, webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio)
	log.Infof("%s: receive-only, no local capture on this platform", m.key)
	return nil
}

func (m *platformMedia) startLocalView(*pionEngine) {}

func (m *platformMedia) switchCamera(*pionEngine) error { return ErrNoCamera }

func (m *platformMedia) close() {}
