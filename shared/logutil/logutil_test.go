package logutil

import (
	"testing"
	"time"

	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
	"github.com/sirupsen/logrus"
)

func TestRingHook_BoundedTail(t *testing.T) {
	hook := NewRingHook(3)
	logger := logrus.New()
	logger.AddHook(hook)
	logger.SetOutput(nullWriter{})

	for _, m := range []string{"one", "two", "three", "four"} {
		logger.WithField("prefix", "orchestrator").Info(m)
	}

	tail := hook.Tail(0)
	assert.Equal(t, 3, len(tail))
	assert.Equal(t, "two", tail[0].Message)
	assert.Equal(t, "four", tail[2].Message)
	assert.Equal(t, "orchestrator", tail[0].Component)

	limited := hook.Tail(1)
	assert.Equal(t, 1, len(limited))
	assert.Equal(t, "four", limited[0].Message)
	assert.Equal(t, false, limited[0].Timestamp.After(time.Now()))
}

func TestRingHook_DebugNotRetained(t *testing.T) {
	hook := NewRingHook(10)
	logger := logrus.New()
	logger.SetLevel(logrus.TraceLevel)
	logger.AddHook(hook)
	logger.SetOutput(nullWriter{})

	logger.Debug("quiet")
	logger.Info("loud")
	tail := hook.Tail(0)
	assert.Equal(t, 1, len(tail))
	assert.Equal(t, "loud", tail[0].Message)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
