package call

import "sync"

type AudioMode int

const (
	ModeNormal AudioMode = iota
	ModeCommunication
)

type Tone int

const (
	ToneNone Tone = iota
	ToneDialing
	ToneRinging
)

// AudioRouter controls the device audio path: mode, loudspeaker and the
// call progress tones.
type AudioRouter interface {
	Mode() AudioMode
	SetMode(AudioMode)
	Speaker() bool
	SetSpeaker(on bool)
	PlayTone(Tone)
	StopTone()
}

// StateAudio is an AudioRouter that only keeps state. It is used where the
// host has no controllable audio path, and by tests.
type StateAudio struct {
	mu      sync.Mutex
	mode    AudioMode
	speaker bool
	tone    Tone
}

func (a *StateAudio) Mode() AudioMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *StateAudio) SetMode(m AudioMode) {
	a.mu.Lock()
	a.mode = m
	a.mu.Unlock()
}

func (a *StateAudio) Speaker() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaker
}

func (a *StateAudio) SetSpeaker(on bool) {
	a.mu.Lock()
	a.speaker = on
	a.mu.Unlock()
}

func (a *StateAudio) PlayTone(t Tone) {
	a.mu.Lock()
	a.tone = t
	a.mu.Unlock()
}

func (a *StateAudio) StopTone() {
	a.mu.Lock()
	a.tone = ToneNone
	a.mu.Unlock()
}

// Tone reports the tone currently playing.
func (a *StateAudio) Tone() Tone {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tone
}
