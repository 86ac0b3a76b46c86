// Package logbuf keeps the tail of the process log in memory and fans it out
// to HTTP clients.
package logbuf

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

// LogBuffer holds the last entries in a fixed ring: once full, each new
// entry overwrites the oldest.
type LogBuffer struct {
	mu   sync.Mutex
	ring []LogEntry
	next int // slot of the next write
	full bool

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func New(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		ring: make([]LogEntry, max),
		subs: make(map[chan LogEntry]struct{}),
	}
}

// Capture tees every go-log subsystem into the buffer. The returned closer
// detaches the pipe.
func (b *LogBuffer) Capture(level logging.LogLevel) io.Closer {
	pr := logging.NewPipeReader(
		logging.PipeFormat(logging.JSONOutput),
		logging.PipeLevel(level),
	)
	go func() {
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			b.add(parseZapLine(sc.Bytes()))
		}
	}()
	return pr
}

// Write implements io.Writer so plain text sources can be captured too.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial.Write(p)
	var lines []string
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	b.mu.Unlock()

	for _, l := range lines {
		b.add(LogEntry{TS: time.Now(), Msg: l})
	}
	return len(p), nil
}

func (b *LogBuffer) add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

// parseZapLine decodes one line of go-log JSON output. Lines that are not
// JSON are kept verbatim.
func parseZapLine(line []byte) LogEntry {
	var raw struct {
		TS     string `json:"ts"`
		Level  string `json:"level"`
		Logger string `json:"logger"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal(line, &raw); err != nil || raw.Msg == "" {
		return LogEntry{TS: time.Now(), Msg: string(line)}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.TS)
	if err != nil {
		ts = time.Now()
	}
	return LogEntry{TS: ts, Level: raw.Level, Logger: raw.Logger, Msg: raw.Msg}
}

// Snapshot copies the buffered entries, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]LogEntry(nil), b.ring[:b.next]...)
	}
	out := make([]LogEntry, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Len is the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.ring)
	}
	return b.next
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot())
}

// GET /api/logs/stream  (Server-Sent Events), tail only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
