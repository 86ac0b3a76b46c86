package cloud

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. It backs tests and the "memory" driver.
type Memory struct {
	mu      sync.Mutex
	colls   map[string]map[string]map[string]any
	subs    map[*memSub]struct{}
	offline bool
	durable bool
}

func NewMemory() *Memory {
	return &Memory{
		colls: make(map[string]map[string]map[string]any),
		subs:  make(map[*memSub]struct{}),
	}
}

// SetOffline makes every call fail with ErrUnavailable until cleared.
// Existing listeners stay attached but receive nothing while offline.
func (m *Memory) SetOffline(off bool) {
	m.mu.Lock()
	m.offline = off
	m.mu.Unlock()
}

// SetDurable makes the store report itself as the lasting source of truth,
// the way a shared server would. A fresh Memory is not durable: it starts
// empty on every launch.
func (m *Memory) SetDurable(d bool) {
	m.mu.Lock()
	m.durable = d
	m.mu.Unlock()
}

func (m *Memory) Durable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durable
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	subs := make([]*memSub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.listener.Stop()
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, coll, id string) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return Doc{}, ErrUnavailable
	}
	f, ok := m.colls[coll][id]
	if !ok {
		return Doc{}, ErrNotFound
	}
	return Doc{ID: id, Fields: cloneFields(f)}, nil
}

func (m *Memory) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	c, ok := m.colls[coll]
	if !ok {
		c = make(map[string]map[string]any)
		m.colls[coll] = c
	}
	c[id] = cloneFields(fields)
	m.notifyLocked(coll, id, c[id])
	return nil
}

func (m *Memory) Delete(ctx context.Context, coll, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	if _, ok := m.colls[coll][id]; !ok {
		return nil
	}
	delete(m.colls[coll], id)
	m.notifyLocked(coll, id, nil)
	return nil
}

func (m *Memory) Find(ctx context.Context, coll string, q Query) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	return m.findLocked(coll, q), nil
}

func (m *Memory) findLocked(coll string, q Query) []Doc {
	var out []Doc
	for id, f := range m.colls[coll] {
		if q.matches(f) {
			out = append(out, Doc{ID: id, Fields: cloneFields(f)})
		}
	}
	// map order is random; give unordered queries a stable id order
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return q.apply(out)
}

func (m *Memory) Increment(ctx context.Context, coll, id, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return 0, ErrUnavailable
	}
	c, ok := m.colls[coll]
	if !ok {
		c = make(map[string]map[string]any)
		m.colls[coll] = c
	}
	f, ok := c[id]
	if !ok {
		f = make(map[string]any)
		c[id] = f
	}
	cur, _ := toInt64(f[field])
	cur += delta
	f[field] = cur
	m.notifyLocked(coll, id, f)
	return cur, nil
}

func (m *Memory) Listen(ctx context.Context, coll string, q Query) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrUnavailable
	}

	s := &memSub{
		coll: coll,
		q:    q,
		seen: make(map[string]bool),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	for _, d := range m.findLocked(coll, q) {
		s.seen[d.ID] = true
		s.queue = append(s.queue, Change{Kind: Added, Doc: d})
	}
	s.signal()

	out := make(chan Change)
	done := make(chan struct{})
	s.listener = newListener(out, func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
		close(s.quit)
	}, done)
	m.subs[s] = struct{}{}

	go s.pump(out, done)
	go func() {
		select {
		case <-ctx.Done():
			s.listener.Stop()
		case <-s.quit:
		}
	}()
	return s.listener, nil
}

// notifyLocked queues the change for every listener on coll. fields is nil
// for a deletion.
func (m *Memory) notifyLocked(coll, id string, fields map[string]any) {
	if m.offline {
		return
	}
	for s := range m.subs {
		if s.coll != coll {
			continue
		}
		was := s.seen[id]
		now := fields != nil && s.q.matches(fields)
		var kind ChangeKind
		switch {
		case now && was:
			kind = Modified
		case now:
			kind = Added
		case was:
			kind = Removed
		default:
			continue
		}
		doc := Doc{ID: id}
		if now {
			doc.Fields = cloneFields(fields)
			s.seen[id] = true
		} else {
			delete(s.seen, id)
		}
		s.enqueue(Change{Kind: kind, Doc: doc})
	}
}

type memSub struct {
	coll     string
	q        Query
	seen     map[string]bool // guarded by Memory.mu
	listener *Listener

	mu    sync.Mutex
	queue []Change
	wake  chan struct{}
	quit  chan struct{}
}

func (s *memSub) enqueue(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.signal()
}

func (s *memSub) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued changes in order without ever blocking the store.
func (s *memSub) pump(out chan<- Change, done chan struct{}) {
	defer close(done)
	defer close(out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case out <- c:
			case <-s.quit:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}
