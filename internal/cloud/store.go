// Package cloud is the document-store mirror shared by every device.
//
// Collections hold documents addressed by string ids. A nested collection is
// addressed as "parent/{id}/child" (see Sub). Listeners deliver the current
// matching documents as Added events, followed by live changes.
package cloud

import (
	"context"
	"errors"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("cloud")

var (
	ErrNotFound    = errors.New("document not found")
	ErrUnavailable = errors.New("cloud store unavailable")
)

// Store is the minimal document-store surface the app relies on.
type Store interface {
	Get(ctx context.Context, coll, id string) (Doc, error)
	// Set creates or replaces the document.
	Set(ctx context.Context, coll, id string, fields map[string]any) error
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, coll, id string) error
	Find(ctx context.Context, coll string, q Query) ([]Doc, error)
	Listen(ctx context.Context, coll string, q Query) (*Listener, error)
	// Increment atomically adds delta to a numeric field, creating the
	// document if needed, and returns the new value.
	Increment(ctx context.Context, coll, id, field string, delta int64) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Durable is implemented by stores that can say whether their documents
// outlive the process. Stores that do not implement it are not durable.
type Durable interface {
	Durable() bool
}

// Sub addresses the nested collection child of document parent/id.
func Sub(parent, id, child string) string {
	return parent + "/" + id + "/" + child
}

// splitPath reverses Sub. For top-level collections parentID is empty.
func splitPath(path string) (coll, parentID string) {
	parts := strings.Split(path, "/")
	if len(parts) == 3 {
		return parts[0] + "_" + parts[2], parts[1]
	}
	return path, ""
}

type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

type Change struct {
	Kind ChangeKind
	Doc  Doc
}

// Listener is a live query. C is closed once the listener stops, either via
// Stop or because the store failed.
type Listener struct {
	C <-chan Change

	once sync.Once
	stop func()
	done chan struct{}
}

func newListener(c <-chan Change, stop func(), done chan struct{}) *Listener {
	return &Listener{C: c, stop: stop, done: done}
}

// Stop detaches the listener and waits until its delivery goroutine has
// exited. Safe to call more than once.
func (l *Listener) Stop() {
	l.once.Do(l.stop)
	<-l.done
}
