package app

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolpsy/psyhelper/internal/config"
)

func TestNormalizeLocalAddr(t *testing.T) {
	cases := []struct{ in, listen, url string }{
		{":8790", "127.0.0.1:8790", "http://127.0.0.1:8790"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" localhost:80 ", "localhost:80", "http://localhost:80"},
	}
	for _, c := range cases {
		listen, url, tcp := NormalizeLocalAddr(c.in)
		assert.Equal(t, c.listen, listen, c.in)
		assert.Equal(t, c.url, url, c.in)
		assert.Equal(t, listen, tcp, c.in)
	}
}

func TestPromptInteractive(t *testing.T) {
	answers := strings.Join([]string{
		":9000",                    // addr
		"y",                        // mongo
		"mongodb://db.local:27017", // uri
		"",                         // database keeps default
		"maybe",                    // sync: invalid, asked again
		"y",
		"abc", // interval: invalid, asked again
		"30",
		"stun:a.example:3478, turn:b.example:3478",
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg := PromptInteractive(strings.NewReader(answers), &out, "/tmp/app", "/tmp/app/psyhelper.json", config.Default())

	assert.Equal(t, ":9000", cfg.Viewer.HTTPAddr)
	assert.Equal(t, "mongo", cfg.Cloud.Driver)
	assert.Equal(t, "mongodb://db.local:27017", cfg.Cloud.URI)
	assert.Equal(t, "psyhelper", cfg.Cloud.Database)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 30, cfg.Sync.IntervalSec)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.Call.ICEServers)
	assert.Contains(t, out.String(), "Please enter y or n.")
	assert.Contains(t, out.String(), "Please enter a number.")
}

func TestPromptInteractiveInvalidKeepsDefaults(t *testing.T) {
	// mongo without a usable URI fails validation
	answers := "\ny\nnot-a-uri\n\n\n\n\n"
	cfg := PromptInteractive(strings.NewReader(answers), &bytes.Buffer{}, "d", "c", config.Default())
	assert.Equal(t, config.Default(), cfg)
}

func TestSyncWithMemoryCloud(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Log.Level = "error"

	rep, err := Sync(context.Background(), Options{Dir: dir, Cfg: cfg})
	require.NoError(t, err)
	assert.Zero(t, rep.Pulled)

	_, err = os.Stat(DataPath(dir, cfg))
	assert.NoError(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Viewer.HTTPAddr = ""
	cfg.Sync.Enabled = false
	cfg.Paths.QuestionBank = ""

	var steps []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Dir: dir,
			Cfg: cfg,
			Progress: func(step, total int, label string) {
				steps = append(steps, label)
				if step == total {
					cancel()
				}
			},
		})
	}()
	require.NoError(t, <-done)
	assert.Len(t, steps, 5)
}
