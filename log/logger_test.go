package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level logrus.Level) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	return New(l, nil), &buf
}

func TestLoggerCategory(t *testing.T) {
	t.Parallel()

	lg, buf := newBufferLogger(t, logrus.DebugLevel)
	lg.Debugf("connection:send", "-> %s", "hello")

	out := buf.String()
	assert.Contains(t, out, "category=\"connection:send\"")
	assert.Contains(t, out, "-> hello")
	assert.Contains(t, out, "goroutine=")
}

func TestLoggerLevel(t *testing.T) {
	t.Parallel()

	lg, buf := newBufferLogger(t, logrus.WarnLevel)
	lg.Debugf("router", "dropped")
	assert.Empty(t, buf.String())

	require.NoError(t, lg.SetLevel("debug"))
	assert.True(t, lg.DebugMode())
	lg.Debugf("router", "kept")
	assert.Contains(t, buf.String(), "kept")

	require.Error(t, lg.SetLevel("loud"))
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	lg, buf := newBufferLogger(t, logrus.DebugLevel)
	require.NoError(t, lg.SetCategoryFilter("^connection"))

	lg.Debugf("router", "filtered")
	lg.Debugf("connection:recv", "passed")

	out := buf.String()
	assert.NotContains(t, out, "filtered")
	assert.Contains(t, out, "passed")

	require.Error(t, lg.SetCategoryFilter("("))
}

func TestNilLogger(t *testing.T) {
	t.Parallel()

	var lg *Logger
	assert.NotPanics(t, func() { lg.Errorf("any", "message %d", 1) })
}
