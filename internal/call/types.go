package call

import (
	"context"
	"errors"
	"time"

	"github.com/schoolpsy/psyhelper/internal/signaling"
)

var (
	ErrInvalidState   = errors.New("call: operation not allowed in current state")
	ErrNoPendingOffer = errors.New("call: no pending offer to accept")
	ErrNoCamera       = errors.New("call: no alternate camera available")
	ErrBusy           = errors.New("call: a call with this user is already active")
	ErrNotListening   = errors.New("call: manager has no signed-in user")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// EndReason says why a session reached StateEnded.
type EndReason string

const (
	ReasonLocal        EndReason = "local"
	ReasonRemote       EndReason = "remote"
	ReasonDisconnected EndReason = "disconnected"
	ReasonTimeout      EndReason = "timeout"
	ReasonFailed       EndReason = "failed"
	ReasonShutdown     EndReason = "shutdown"
)

// ConnState mirrors the peer connection state reported by an Engine.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Engine is the media stack for one session: it owns the peer connection,
// local capture and remote tracks. Callbacks may fire on any goroutine.
type Engine interface {
	// CreateOffer sets and returns the local offer.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	SetAnswer(answer string) error
	// AddCandidate applies a remote candidate, buffering it if the remote
	// description is not set yet.
	AddCandidate(c signaling.Candidate) error

	OnCandidate(func(signaling.Candidate))
	OnConnectionState(func(ConnState))
	OnRemoteTrack(func(MediaKind))

	SetMuted(muted bool) error
	SwitchCamera() error
	AttachSink(slot Slot, sink MediaSink) error
	DetachSink(sink MediaSink)
	Close() error
}

// EngineOptions configure a new Engine.
type EngineOptions struct {
	Key          string
	Video        bool
	ICEServers   []string
	Width        int
	Height       int
	PreferredCam string
	PreferredMic string
}

type EngineFactory func(opts EngineOptions) (Engine, error)

// Options configure a Manager.
type Options struct {
	ICEServers         []string
	NegotiationTimeout time.Duration
	IncomingFresh      time.Duration
	VideoWidth         int
	VideoHeight        int
	PreferredCam       string
	PreferredMic       string
}

// Status is a snapshot of a session for API responses.
type Status struct {
	Key       string    `json:"key"`
	RemoteID  string    `json:"remoteId"`
	Incoming  bool      `json:"incoming"`
	IsVideo   bool      `json:"isVideo"`
	State     string    `json:"state"`
	Muted     bool      `json:"muted"`
	Speaker   bool      `json:"speaker"`
	EndReason EndReason `json:"endReason,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Event reports a session state change.
type Event struct {
	Key    string    `json:"key"`
	State  string    `json:"state"`
	Reason EndReason `json:"reason,omitempty"`
}

// IncomingCall is announced when a fresh offer arrives for the signed-in
// user. Accept or decline it through the Manager using Key.
type IncomingCall struct {
	Key      string `json:"key"`
	CallerID string `json:"callerId"`
	IsVideo  bool   `json:"isVideo"`
}
