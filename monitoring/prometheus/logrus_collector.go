// Package prometheus exposes metrics helpers shared by the coordinator's
// HTTP surfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var logCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "log_entries_total",
	Help: "Total number of log messages emitted, by level and component prefix.",
}, []string{"level", "prefix"})

// LogrusCollector is a logrus hook that counts log entries per level and
// per component prefix, so noisy or failing modules show up on /metrics.
type LogrusCollector struct {
	counter *prometheus.CounterVec
}

// NewLogrusCollector returns a hook ready to be attached with logrus.AddHook.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{counter: logCounter}
}

// Fire is called by logrus on every matching log entry.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := "global"
	if v, ok := entry.Data["prefix"].(string); ok {
		prefix = v
	}
	hook.counter.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels reports the levels the hook counts. Debug and trace are skipped to
// keep the counter cheap at high verbosity.
func (_ *LogrusCollector) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel}
}
