// Package logutil creates a logrus lib file logger instance that
// writes all logs that are written to stdout, and keeps a bounded
// in-memory tail of recent entries for the admin REST surface.
package logutil

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var _ = logrus.Hook(&WriterHook{})

// WriterHook is a hook that writes logs of specified LogLevels to specified Writer.
type WriterHook struct {
	LogLevels []logrus.Level
}

// Fire will be called when some logging function is called with current hook.
// It will format log entry to string and write it to appropriate writer.
func (hook *WriterHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	line = strings.TrimSuffix(line, "\n")
	fileLogger.Println(line)
	return err
}

// Levels defines on which log levels this hook would trigger.
func (hook *WriterHook) Levels() []logrus.Level {
	return hook.LogLevels
}

var fileLogger = &logrus.Logger{
	Level: logrus.TraceLevel,
}

// ConfigurePersistentLogging adds a log-to-file writer hook to the logrus logger. The writer hook appends new
// logs to the specified log file.
func ConfigurePersistentLogging(logFileName string) error {
	logrus.WithField("logFileName", logFileName).Info("Logs will be made persistent")
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666) // #nosec G302
	if err != nil {
		return err
	}
	fileLogger.SetOutput(f)
	formatter := new(prefixed.TextFormatter)
	formatter.TimestampFormat = "2006-01-02 15:04:05"
	formatter.FullTimestamp = true
	formatter.DisableColors = true
	fileLogger.SetFormatter(formatter)

	logrus.Info("File logger initialized")
	logrus.AddHook(&WriterHook{
		LogLevels: logrus.AllLevels,
	})
	return nil
}

// Entry is a single structured log record retained by the ring hook.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// RingHook retains the most recent log entries in memory.
type RingHook struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

// NewRingHook creates a ring hook bounded to capacity entries.
func NewRingHook(capacity int) *RingHook {
	return &RingHook{capacity: capacity}
}

// Fire appends the entry, evicting the oldest entry when at capacity.
func (h *RingHook) Fire(entry *logrus.Entry) error {
	component := "global"
	if prefix, ok := entry.Data["prefix"].(string); ok {
		component = prefix
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Component: component,
		Message:   entry.Message,
	})
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
	return nil
}

// Levels implements logrus.Hook.
func (h *RingHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel,
	}
}

// Tail returns up to limit of the newest entries, oldest first.
func (h *RingHook) Tail(limit int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	out := make([]Entry, limit)
	copy(out, h.entries[len(h.entries)-limit:])
	return out
}
