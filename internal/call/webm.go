package call

// Minimal EBML writer for a live WebM stream: VP8 on track 1, optional Opus
// on track 2. The stream is an init segment followed by self-contained
// clusters, which a browser feeds to Media Source Extensions.

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	videoTrack = 1
	audioTrack = 2
)

// vint encodes an element size as an EBML variable-length integer (up to
// four bytes).
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// unknownSize marks a streaming Segment whose length is never written.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func element(id []byte, body ...[]byte) []byte {
	data := concat(body...)
	out := make([]byte, 0, len(id)+4+len(data))
	out = append(out, id...)
	out = append(out, vint(uint64(len(data)))...)
	return append(out, data...)
}

// uintBytes is v in the fewest big-endian bytes.
func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for tmp[i] == 0 {
		i++
	}
	return append([]byte(nil), tmp[i:]...)
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var (
	elEBML            = []byte{0x1A, 0x45, 0xDF, 0xA3}
	elEBMLVersion     = []byte{0x42, 0x86}
	elEBMLReadVersion = []byte{0x42, 0xF7}
	elEBMLMaxIDLength = []byte{0x42, 0xF2}
	elEBMLMaxSizeLen  = []byte{0x42, 0xF3}
	elDocType         = []byte{0x42, 0x82}
	elDocTypeVersion  = []byte{0x42, 0x87}
	elDocTypeRead     = []byte{0x42, 0x85}
	elSegment         = []byte{0x18, 0x53, 0x80, 0x67}
	elInfo            = []byte{0x15, 0x49, 0xA9, 0x66}
	elTimecodeScale   = []byte{0x2A, 0xD7, 0xB1}
	elMuxingApp       = []byte{0x4D, 0x80}
	elWritingApp      = []byte{0x57, 0x41}
	elTracks          = []byte{0x16, 0x54, 0xAE, 0x6B}
	elTrackEntry      = []byte{0xAE}
	elTrackNumber     = []byte{0xD7}
	elTrackUID        = []byte{0x73, 0xC5}
	elTrackType       = []byte{0x83}
	elCodecID         = []byte{0x86}
	elCodecPrivate    = []byte{0x63, 0xA2}
	elVideo           = []byte{0xE0}
	elPixelWidth      = []byte{0xB0}
	elPixelHeight     = []byte{0xBA}
	elAudio           = []byte{0xE1}
	elSamplingFreq    = []byte{0xB5}
	elChannels        = []byte{0x9F}
	elCluster         = []byte{0x1F, 0x43, 0xB6, 0x75}
	elTimecode        = []byte{0xE7}
	elSimpleBlock     = []byte{0xA3}
)

// OpusHead for mono 48 kHz, pre-skip 312.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01, 0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

// initSegment is the EBML header, an open Segment, Info and Tracks.
func initSegment(width, height uint16, withAudio bool) []byte {
	var b bytes.Buffer
	b.Write(element(elEBML,
		element(elEBMLVersion, uintBytes(1)),
		element(elEBMLReadVersion, uintBytes(1)),
		element(elEBMLMaxIDLength, uintBytes(4)),
		element(elEBMLMaxSizeLen, uintBytes(8)),
		element(elDocType, []byte("webm")),
		element(elDocTypeVersion, uintBytes(2)),
		element(elDocTypeRead, uintBytes(2)),
	))
	b.Write(elSegment)
	b.Write(unknownSize)
	b.Write(element(elInfo,
		element(elTimecodeScale, uintBytes(1_000_000)),
		element(elMuxingApp, []byte("psyhelper")),
		element(elWritingApp, []byte("psyhelper")),
	))

	tracks := element(elTrackEntry,
		element(elTrackNumber, uintBytes(videoTrack)),
		element(elTrackUID, uintBytes(videoTrack)),
		element(elTrackType, uintBytes(1)),
		element(elCodecID, []byte("V_VP8")),
		element(elVideo,
			element(elPixelWidth, uintBytes(uint64(width))),
			element(elPixelHeight, uintBytes(uint64(height))),
		),
	)
	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
		tracks = concat(tracks, element(elTrackEntry,
			element(elTrackNumber, uintBytes(audioTrack)),
			element(elTrackUID, uintBytes(audioTrack)),
			element(elTrackType, uintBytes(2)),
			element(elCodecID, []byte("A_OPUS")),
			element(elCodecPrivate, opusHead),
			element(elAudio,
				element(elSamplingFreq, freq),
				element(elChannels, uintBytes(1)),
			),
		))
	}
	b.Write(element(elTracks, tracks))
	return b.Bytes()
}

// cluster wraps pre-encoded blocks with an absolute timecode in ms.
func cluster(startMs int64, blocks []byte) []byte {
	return element(elCluster, element(elTimecode, uintBytes(uint64(startMs))), blocks)
}

// simpleBlock encodes one frame at relMs from its cluster start.
func simpleBlock(track int, relMs int16, keyframe bool, frame []byte) []byte {
	tn := vint(uint64(track))
	body := make([]byte, len(tn)+3+len(frame))
	copy(body, tn)
	binary.BigEndian.PutUint16(body[len(tn):], uint16(relMs))
	if keyframe {
		body[len(tn)+2] = 0x80
	}
	copy(body[len(tn)+3:], frame)
	return element(elSimpleBlock, body)
}

// vp8Size reads the frame size from a VP8 keyframe header.
func vp8Size(frame []byte) (w, h uint16, ok bool) {
	if len(frame) < 10 || frame[3] != 0x9D || frame[4] != 0x01 || frame[5] != 0x2A {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF, binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF, true
}

// vp8Keyframe reports whether the P bit of the frame tag is clear.
func vp8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}
