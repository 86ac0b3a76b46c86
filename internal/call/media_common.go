package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newAPI wraps a populated media engine with the default interceptors
// (NACK, RTCP reports, TWCC) and relaxed ICE timeouts so a short relay
// outage does not drop the call.
func newAPI(me *webrtc.MediaEngine) (*webrtc.API, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

// addRecvOnly keeps the SDP valid with m-lines for kinds we do not send.
func addRecvOnly(key string, pc *webrtc.PeerConnection, kinds ...webrtc.RTPCodecType) {
	for _, k := range kinds {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("%s: add recvonly %s transceiver: %v", key, k, err)
		}
	}
}

// drainRTCP reads a sender's incoming RTCP so the interceptors see NACKs
// and receiver reports. Returns when the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
