package proxypool

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger keeps every line it is given, tagged with its level.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, format string, values ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, values...))
}

func (l *recordingLogger) Errorf(format string, values ...any) { l.add("E", format, values...) }
func (l *recordingLogger) Warnf(format string, values ...any)  { l.add("W", format, values...) }
func (l *recordingLogger) Infof(format string, values ...any)  { l.add("I", format, values...) }
func (l *recordingLogger) Debugf(format string, values ...any) { l.add("D", format, values...) }

func (l *recordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestDefaultLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogexLogger(log.New(&buf, "", 0), WARNING)
	assert.Equal(t, WARNING, l.Level())

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "[WARN] warn 3")
	assert.Contains(t, out, "[ERROR] error 4")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "Warning", "warn", "error", ""} {
		_, err := ParseLevel(name)
		assert.NoError(t, err, name)
	}
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, "warning", lvl.String())

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestPrefixedLogger(t *testing.T) {
	rec := &recordingLogger{}
	l := withPrefix(rec, "port 8081")
	l.Infof("started %s", "ok")
	l.Errorf("boom")
	assert.Equal(t, []string{"I [port 8081] started ok", "E [port 8081] boom"}, rec.Lines())

	assert.Equal(t, DiscardLogger, withPrefix(nil, "x"))
}

func TestRelayLoggerWritesDebugLines(t *testing.T) {
	rec := &recordingLogger{}
	relayLogger(rec).Printf("[%03d] INFO: Got request %s", 1, "/")
	assert.Equal(t, []string{"D [001] INFO: Got request /"}, rec.Lines())
}
