package testlog

import (
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/muxdemux/internal/logging"
	"github.com/rs/zerolog"
)

// Start returns a logger that writes through t so output is attached to the
// test that produced it. Lines emitted by goroutines that outlive the test are
// dropped instead of panicking.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	w := &writer{t: t}
	t.Cleanup(w.stop)

	cfg := logging.Resolve(logging.ProfileTest)
	out := zerolog.ConsoleWriter{Out: w, NoColor: true, PartsExclude: []string{zerolog.TimestampFieldName}}
	logger := zerolog.New(out).Level(cfg.Level).With().Str("test", t.Name()).Logger()
	logger.Info().Msg("test start")
	return logger
}

type writer struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func (w *writer) stop() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
