package call

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	mu sync.Mutex
	n  map[MediaKind]int
}

func (c *countingSink) WriteRTP(kind MediaKind, _ *rtp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[MediaKind]int)
	}
	c.n[kind]++
	return nil
}

func (c *countingSink) count(kind MediaKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[kind]
}

func TestSinkBoundToOneSlot(t *testing.T) {
	tbl := newSinkTable()
	sink := &countingSink{}

	_, moved := tbl.attach(SlotLocal, sink)
	assert.False(t, moved)
	prev, moved := tbl.attach(SlotRemote, sink)
	assert.True(t, moved)
	assert.Equal(t, SlotLocal, prev)

	tbl.write(SlotLocal, KindVideo, &rtp.Packet{})
	tbl.write(SlotRemote, KindVideo, &rtp.Packet{})
	tbl.write(SlotRemote, KindAudio, &rtp.Packet{})
	assert.Equal(t, 1, sink.count(KindVideo))
	assert.Equal(t, 1, sink.count(KindAudio))
	assert.True(t, tbl.has(SlotRemote))
	assert.False(t, tbl.has(SlotLocal))

	tbl.detach(sink)
	tbl.write(SlotRemote, KindVideo, &rtp.Packet{})
	assert.Equal(t, 1, sink.count(KindVideo))
}

func TestEBMLHelpers(t *testing.T) {
	assert.Equal(t, []byte{0x81}, vint(1))
	assert.Equal(t, []byte{0x40, 0x80}, vint(128))
	assert.Equal(t, []byte{0}, uintBytes(0))
	assert.Equal(t, []byte{0x01, 0x00}, uintBytes(256))
	assert.Equal(t, []byte{0xE7, 0x81, 0x05}, element(elTimecode, uintBytes(5)))

	key := vp8Key(320, 240)
	w, h, ok := vp8Size(key)
	require.True(t, ok)
	assert.EqualValues(t, 320, w)
	assert.EqualValues(t, 240, h)
	assert.True(t, vp8Keyframe(key))
	assert.False(t, vp8Keyframe([]byte{0x01, 0x00, 0x00}))
	_, _, ok = vp8Size([]byte{0x01})
	assert.False(t, ok)

	seg := initSegment(320, 240, true)
	assert.True(t, bytes.HasPrefix(seg, elEBML))
	assert.True(t, bytes.Contains(seg, []byte("V_VP8")))
	assert.True(t, bytes.Contains(seg, []byte("A_OPUS")))
	assert.False(t, bytes.Contains(initSegment(320, 240, false), []byte("A_OPUS")))
}

// vp8Key is a keyframe header with the given size followed by filler.
func vp8Key(w, h uint16) []byte {
	return []byte{0x00, 0x00, 0x00, 0x9D, 0x01, 0x2A, byte(w), byte(w >> 8), byte(h), byte(h >> 8), 0xAA, 0xBB}
}

func vp8Packet(seq uint16, ts uint32, frame []byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true, PayloadType: 96, SequenceNumber: seq, Timestamp: ts, SSRC: 1},
		Payload: append([]byte{0x10}, frame...),
	}
}

func TestWebMSinkStreamsFromKeyframe(t *testing.T) {
	sink := NewWebMSink("1_2", false)
	ch, cancel := sink.Subscribe()
	defer cancel()

	delta := []byte{0x01, 0x00, 0x00, 0xCC}
	// a delta frame before any keyframe cannot start the stream
	require.NoError(t, sink.WriteRTP(KindVideo, vp8Packet(1, 0, delta)))
	require.NoError(t, sink.WriteRTP(KindVideo, vp8Packet(2, 3000, vp8Key(320, 240))))
	require.NoError(t, sink.WriteRTP(KindVideo, vp8Packet(3, 6000, delta)))
	require.NoError(t, sink.WriteRTP(KindVideo, vp8Packet(4, 9000, delta)))

	var msgs [][]byte
	timeout := time.After(time.Second)
collect:
	for len(msgs) < 2 {
		select {
		case m := <-ch:
			msgs = append(msgs, m)
		case <-timeout:
			break collect
		}
	}
	require.Len(t, msgs, 2)
	assert.True(t, sink.Ready())
	assert.True(t, bytes.HasPrefix(msgs[0], elEBML))
	assert.True(t, bytes.HasPrefix(msgs[1], elCluster))

	// a late subscriber starts from the init segment and the keyframe
	late, lateCancel := sink.Subscribe()
	defer lateCancel()
	assert.True(t, bytes.HasPrefix(<-late, elEBML))
	assert.True(t, bytes.HasPrefix(<-late, elCluster))

	cancel()
	cancel()
}
