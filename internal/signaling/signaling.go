// Package signaling exchanges call negotiation messages through the cloud
// store: one document per participant pair, calls/{pairKey}, holding the
// latest OFFER, ANSWER or END_CALL, plus an append-only candidates
// collection beneath it.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/util"
)

var log = logging.Logger("signaling")

type Type string

const (
	Offer   Type = "OFFER"
	Answer  Type = "ANSWER"
	EndCall Type = "END_CALL"
)

func (t Type) Valid() bool {
	return t == Offer || t == Answer || t == EndCall
}

// Message is the body of the pair document.
type Message struct {
	Type      Type   `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	SenderID  string `json:"senderId"`
	IsVideo   bool   `json:"isVideo"`
	Timestamp int64  `json:"timestamp"`
}

// Candidate is one trickled ICE candidate.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SenderID      string `json:"senderId"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// PairKey returns the channel key for two participants. It is symmetric:
// PairKey(a, b) == PairKey(b, a).
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// ParsePairKey splits a key produced by PairKey.
func ParsePairKey(key string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(key, "_")
	if !ok || a == "" || b == "" || strings.Contains(b, "_") {
		return "", "", false
	}
	return a, b, true
}

// Involves reports whether id is one of the two participants of key.
func Involves(key, id string) bool {
	a, b, ok := ParsePairKey(key)
	return ok && (a == id || b == id)
}

// Accept applies the session filters: a participant ignores what it wrote
// itself and anything older than its session start.
func Accept(m Message, self string, sessionStart int64) bool {
	if m.SenderID == self {
		return false
	}
	return m.Timestamp >= sessionStart
}

func messageFromDoc(d cloud.Doc) (Message, error) {
	m := Message{
		Type:     Type(d.String("type")),
		SDP:      d.String("sdp"),
		SenderID: d.String("senderId"),
		IsVideo:  d.Bool("isVideo"),
	}
	m.Timestamp, _ = d.Int64("timestamp")
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("unknown signal type %q", m.Type)
	}
	if m.SenderID == "" {
		return Message{}, errors.New("signal without senderId")
	}
	if (m.Type == Offer || m.Type == Answer) && m.SDP == "" {
		return Message{}, fmt.Errorf("%s without sdp", m.Type)
	}
	return m, nil
}

func candidateFromDoc(d cloud.Doc) (Candidate, error) {
	c := Candidate{
		Candidate: d.String("candidate"),
		SDPMid:    d.String("sdpMid"),
		SenderID:  d.String("senderId"),
	}
	idx, _ := d.Int64("sdpMLineIndex")
	c.SDPMLineIndex = uint16(idx)
	c.Timestamp, _ = d.Int64("timestamp")
	if c.Candidate == "" || c.SenderID == "" {
		return Candidate{}, errors.New("candidate without body or senderId")
	}
	return c, nil
}

// Channel is one participant's handle on a pair document.
type Channel struct {
	store cloud.Store
	key   string
	self  string
	start int64
}

func NewChannel(store cloud.Store, self, remote string) *Channel {
	return &Channel{store: store, key: PairKey(self, remote), self: self, start: util.NowMillis()}
}

func (c *Channel) Key() string { return c.key }

func (c *Channel) Self() string { return c.self }

// SessionStart is the cutoff below which incoming messages are stale.
func (c *Channel) SessionStart() int64 { return c.start }

func (c *Channel) SetSessionStart(ms int64) { c.start = ms }

func (c *Channel) candidatesPath() string {
	return cloud.Sub(cloud.Calls, c.key, cloud.Candidates)
}

// Reset deletes the pair document and every candidate left by an earlier
// call between the same participants.
func (c *Channel) Reset(ctx context.Context) error {
	if err := c.store.Delete(ctx, cloud.Calls, c.key); err != nil {
		return fmt.Errorf("clear signal doc: %w", err)
	}
	docs, err := c.store.Find(ctx, c.candidatesPath(), cloud.Query{})
	if err != nil {
		return fmt.Errorf("list stale candidates: %w", err)
	}
	for _, d := range docs {
		if err := c.store.Delete(ctx, c.candidatesPath(), d.ID); err != nil {
			return fmt.Errorf("clear candidate: %w", err)
		}
	}
	return nil
}

// Publish overwrites the pair document with m, stamped as ours.
func (c *Channel) Publish(ctx context.Context, m Message) error {
	m.SenderID = c.self
	if m.Timestamp == 0 {
		m.Timestamp = util.NowMillis()
	}
	fields := map[string]any{
		"callId":    c.key,
		"type":      string(m.Type),
		"senderId":  m.SenderID,
		"isVideo":   m.IsVideo,
		"timestamp": m.Timestamp,
	}
	if m.SDP != "" {
		fields["sdp"] = m.SDP
	}
	if err := c.store.Set(ctx, cloud.Calls, c.key, fields); err != nil {
		return fmt.Errorf("publish %s: %w", m.Type, err)
	}
	return nil
}

func (c *Channel) PublishCandidate(ctx context.Context, cand Candidate) error {
	cand.SenderID = c.self
	if cand.Timestamp == 0 {
		cand.Timestamp = util.NowMillis()
	}
	err := c.store.Set(ctx, c.candidatesPath(), uuid.NewString(), map[string]any{
		"candidate":     cand.Candidate,
		"sdpMid":        cand.SDPMid,
		"sdpMLineIndex": int64(cand.SDPMLineIndex),
		"senderId":      cand.SenderID,
		"timestamp":     cand.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("publish candidate: %w", err)
	}
	return nil
}
