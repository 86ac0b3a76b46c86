package quiz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/util"
)

// Source tells where the current questions came from.
type Source string

const (
	SourceCloud    Source = "cloud"
	SourceFile     Source = "file"
	SourceEmbedded Source = "embedded"
	SourceFallback Source = "fallback"
)

var ErrEmptyText = errors.New("question text is empty")

// Bank loads and caches the questionnaire.
type Bank struct {
	store cloud.Store // nil disables the cloud source
	path  string

	mu        sync.RWMutex
	questions []Question
	source    Source
}

// NewBank returns a bank reading the cloud first and then the bundle at
// path. An empty path or a missing file selects the embedded bundle.
func NewBank(store cloud.Store, path string) *Bank {
	return &Bank{store: store, path: path}
}

// Load refreshes the cached questions. It never returns an empty list.
func (b *Bank) Load(ctx context.Context) ([]Question, Source) {
	qs, src := b.load(ctx)
	b.mu.Lock()
	b.questions, b.source = qs, src
	b.mu.Unlock()
	log.Infof("loaded %d questions from %s", len(qs), src)
	return clone(qs), src
}

func (b *Bank) load(ctx context.Context) ([]Question, Source) {
	if b.store != nil {
		qs, err := b.cloudQuestions(ctx)
		switch {
		case err != nil:
			log.Debugf("cloud questions unavailable: %v", err)
		case len(qs) > 0:
			return qs, SourceCloud
		}
	}
	return b.bundleQuestions()
}

func (b *Bank) bundleQuestions() ([]Question, Source) {
	data, src := embeddedBundle, SourceEmbedded
	if b.path != "" {
		raw, err := os.ReadFile(b.path)
		switch {
		case err == nil:
			data, src = raw, SourceFile
		case errors.Is(err, os.ErrNotExist):
		default:
			log.Warnf("read question bundle %s: %v", b.path, err)
			return Fallback(), SourceFallback
		}
	}
	qs, err := ParseBundle(data)
	if err != nil {
		log.Warnf("%s bundle: %v", src, err)
		return Fallback(), SourceFallback
	}
	if len(qs) == 0 {
		return Fallback(), SourceFallback
	}
	return qs, src
}

// Questions returns the cached questions, loading them on first use.
func (b *Bank) Questions(ctx context.Context) []Question {
	b.mu.RLock()
	qs := b.questions
	b.mu.RUnlock()
	if qs == nil {
		qs, _ = b.Load(ctx)
		return qs
	}
	return clone(qs)
}

func (b *Bank) Source() Source {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source
}

func clone(qs []Question) []Question {
	return append([]Question(nil), qs...)
}

func questionFromDoc(d cloud.Doc) (Question, error) {
	id, ok := d.Int64("id")
	if !ok {
		id, _ = strconv.ParseInt(d.ID, 10, 64)
	}
	text := d.String("text")
	if strings.TrimSpace(text) == "" {
		return Question{}, fmt.Errorf("question %q: %w", d.ID, ErrEmptyText)
	}
	q := Question{ID: int(id), Text: text, Category: d.String("category"), Options: d.Strings("options")}
	return q.withDefaults(), nil
}

func (b *Bank) cloudQuestions(ctx context.Context) ([]Question, error) {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	docs, err := b.store.Find(ctx, cloud.Questions, cloud.Query{OrderBy: "id"})
	if err != nil {
		return nil, err
	}
	out := make([]Question, 0, len(docs))
	for _, d := range docs {
		q, err := questionFromDoc(d)
		if err != nil {
			log.Warnf("skipping question document: %v", err)
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// SaveQuestion writes q to the cloud, keyed by its id. A zero id takes the
// next free one. The saved question is returned.
func (b *Bank) SaveQuestion(ctx context.Context, q Question) (Question, error) {
	if b.store == nil {
		return Question{}, cloud.ErrUnavailable
	}
	if strings.TrimSpace(q.Text) == "" {
		return Question{}, ErrEmptyText
	}
	q = q.withDefaults()
	if q.ID <= 0 {
		existing, err := b.cloudQuestions(ctx)
		if err != nil {
			return Question{}, fmt.Errorf("list questions: %w", err)
		}
		q.ID = NextID(existing)
	}
	err := b.store.Set(ctx, cloud.Questions, strconv.Itoa(q.ID), map[string]any{
		"id":       q.ID,
		"text":     q.Text,
		"category": q.Category,
		"options":  q.Options,
	})
	if err != nil {
		return Question{}, fmt.Errorf("save question %d: %w", q.ID, err)
	}
	return q, nil
}

func (b *Bank) DeleteQuestion(ctx context.Context, id int) error {
	if b.store == nil {
		return cloud.ErrUnavailable
	}
	if err := b.store.Delete(ctx, cloud.Questions, strconv.Itoa(id)); err != nil {
		return fmt.Errorf("delete question %d: %w", id, err)
	}
	return nil
}

// NextID is one past the highest id in qs.
func NextID(qs []Question) int {
	max := 0
	for _, q := range qs {
		if q.ID > max {
			max = q.ID
		}
	}
	return max + 1
}
