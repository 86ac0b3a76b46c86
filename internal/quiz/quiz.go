// Package quiz holds the wellbeing questionnaire: the question bank, its
// sources and the scoring rules.
package quiz

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("quiz")

//go:embed questions.json
var embeddedBundle []byte

const DefaultCategory = "General"

// DefaultOptions are scored by position, 0 for the first.
var DefaultOptions = []string{"Never", "Rarely", "Sometimes", "Often", "Always"}

type Question struct {
	ID       int      `json:"id"`
	Text     string   `json:"text"`
	Category string   `json:"category"`
	Options  []string `json:"options"`
}

// MaxScore is the best possible answer value for q.
func (q Question) MaxScore() int {
	if len(q.Options) == 0 {
		return len(DefaultOptions) - 1
	}
	return len(q.Options) - 1
}

func (q Question) withDefaults() Question {
	q.Text = strings.TrimSpace(q.Text)
	if strings.TrimSpace(q.Category) == "" {
		q.Category = DefaultCategory
	}
	if len(q.Options) == 0 {
		q.Options = append([]string(nil), DefaultOptions...)
	}
	return q
}

// Fallback is served when neither the cloud nor a bundle yields a question.
func Fallback() []Question {
	qs := []Question{
		{ID: 1, Text: "Do you feel calm today?", Category: "mood"},
		{ID: 2, Text: "Did you sleep well?", Category: "sleep"},
		{ID: 3, Text: "Are you ready to take the test?", Category: "readiness"},
		{ID: 4, Text: "Do you concentrate easily?", Category: "concentration"},
		{ID: 5, Text: "Are you satisfied with your results?", Category: "satisfaction"},
	}
	for i := range qs {
		qs[i] = qs[i].withDefaults()
	}
	return qs
}

// ParseBundle decodes a JSON array of {text, category?, options?}. Entries
// that are not objects with a non-empty string text are skipped; the rest
// are numbered by their position in the array, starting at 1.
func ParseBundle(b []byte) ([]Question, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse question bundle: %w", err)
	}
	out := make([]Question, 0, len(raw))
	for i, item := range raw {
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			log.Warnf("question %d: not an object", i)
			continue
		}
		text, _ := obj["text"].(string)
		if strings.TrimSpace(text) == "" {
			log.Warnf("question %d: missing text", i)
			continue
		}
		category, _ := obj["category"].(string)
		q := Question{ID: i + 1, Text: text, Category: category, Options: stringList(obj["options"])}
		out = append(out, q.withDefaults())
	}
	return out, nil
}

func stringList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, x := range arr {
		if s, ok := x.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
