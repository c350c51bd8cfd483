package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func resetDefault() {
	defaultLogger = nil
	once = *new(sync.Once)
}

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	resetDefault()
	defer resetDefault()

	var buf bytes.Buffer
	Init("warn")
	SetOutput(&buf)

	Debug("hidden debug")
	Info("hidden info")
	Warn("visible %s", "warning")
	Error("visible error")

	out := buf.String()
	assert.NotContains(t, out, "hidden debug")
	assert.NotContains(t, out, "hidden info")
	assert.Contains(t, out, "[WARN] visible warning")
	assert.Contains(t, out, "[ERROR] visible error")
}

func TestSetOutput_DisablesColorForBuffers(t *testing.T) {
	resetDefault()
	defer resetDefault()

	var buf bytes.Buffer
	SetOutput(&buf)
	Info("plain message")

	assert.NotContains(t, buf.String(), "\033[")
}

func TestSetColorEnable(t *testing.T) {
	resetDefault()
	defer resetDefault()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetColorEnable(true)
	Info("coloured")

	assert.Contains(t, buf.String(), levelColors[INFO])
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, "debug")

	child := root.Named("diffcover").Named("tool")
	child.Infof("checking %s", "diff-cover")

	assert.Contains(t, buf.String(), "[INFO] [diffcover.tool] checking diff-cover")

	t.Run("children share the parent's level", func(t *testing.T) {
		buf.Reset()
		root.SetLevel("error")
		child.Warnf("dropped")
		assert.Empty(t, buf.String())
		assert.False(t, child.Enabled(WARN))
		assert.True(t, child.Enabled(ERROR))
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{" Warn ", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"verbose", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.log(INFO, "nothing") })
}

func TestTimestampPrefix(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info").Infof("with timestamp")

	line := strings.TrimSpace(buf.String())
	// log.LstdFlags: "2006/01/02 15:04:05 "
	assert.Regexp(t, `^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} \[INFO\] with timestamp$`, line)
}
