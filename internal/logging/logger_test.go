package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("test", &buf, WARN)

	l.Info("не должно попасть")
	l.Warn("предупреждение %d", 1)
	l.Error("ошибка")

	out := buf.String()
	assert.NotContains(t, out, "не должно попасть")
	assert.Contains(t, out, "[WARN] [test] предупреждение 1")
	assert.Contains(t, out, "[ERROR] [test] ошибка")
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel("debug")
	assert.True(t, ok)
	assert.Equal(t, DEBUG, lvl)

	lvl, ok = ParseLevel("nonsense")
	assert.False(t, ok)
	assert.Equal(t, INFO, lvl)
}

func TestLogProtocolErrorDumpsPayload(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("net", &buf, TRACE)

	l.LogProtocolError("conn-1", errors.New("bad frame"), []byte{0xde, 0xad})

	out := buf.String()
	assert.Contains(t, out, "conn-1")
	assert.True(t, strings.Contains(out, "de ad"), "ожидался hex дамп, получено %q", out)
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("ничего не происходит")
}
