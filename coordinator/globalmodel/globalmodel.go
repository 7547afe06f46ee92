// Package globalmodel owns the coordinator's global model: its parameters,
// version, evaluation metrics, and the best-so-far snapshots written to
// disk.
package globalmodel

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/RavinduMendis/R25-039/shared/fileutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "globalmodel")

// Evaluator scores a parameter set on held-out data, returning at least
// "accuracy" and "loss".
type Evaluator func(params tensorcodec.ParameterMap) (map[string]float64, error)

// MetricRecord is one appended evaluation entry, persisted as a JSON array.
type MetricRecord struct {
	Round             uint64             `json:"round"`
	Timestamp         time.Time          `json:"timestamp"`
	AggregationMethod string             `json:"aggregation_method"`
	Metrics           map[string]float64 `json:"metrics"`
}

// AggregationEvent records one aggregation that was applied to the model.
type AggregationEvent struct {
	Round     uint64             `json:"round"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Registry holds the global model and its history. All methods are safe for
// concurrent use.
type Registry struct {
	lock              sync.Mutex
	params            tensorcodec.ParameterMap
	version           uint64
	createdAt         time.Time
	lastEvaluatedAt   time.Time
	bestAccuracy      float64
	roundsSinceImprov int
	convergenceWindow int
	evaluator         Evaluator
	modelDir          string
	metricsPath       string
	metrics           []MetricRecord
	firstAggregation  *AggregationEvent
	lastAggregation   *AggregationEvent
	now               func() time.Time
}

// New builds the registry around an initial parameter set at version 0.
// Snapshots of improving models are written to modelDir; metric records are
// appended to metricsPath. The evaluator may be nil, in which case Evaluate
// is a no-op.
func New(initial tensorcodec.ParameterMap, evaluator Evaluator, modelDir, metricsPath string, convergenceWindow int) (*Registry, error) {
	if modelDir != "" {
		if err := fileutil.MkdirAll(modelDir); err != nil {
			return nil, err
		}
	}
	r := &Registry{
		params:            initial.Clone(),
		createdAt:         time.Now(),
		evaluator:         evaluator,
		modelDir:          modelDir,
		metricsPath:       metricsPath,
		convergenceWindow: convergenceWindow,
		now:               time.Now,
	}
	if metricsPath != "" && fileutil.FileExists(metricsPath) {
		if err := fileutil.ReadJSON(metricsPath, &r.metrics); err != nil {
			return nil, errors.Wrap(err, "could not load metrics history")
		}
	}
	return r, nil
}

// State returns a read-only snapshot of the current parameters.
func (r *Registry) State() tensorcodec.ParameterMap {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.params.Clone()
}

// Version returns the current model version.
func (r *Registry) Version() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.version
}

// Apply swaps in new parameters and bumps the version. The new set must be
// conformant with the current one.
func (r *Registry) Apply(newParams tensorcodec.ParameterMap) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := tensorcodec.Conformant(r.params, newParams); err != nil {
		return errors.Wrap(err, "cannot apply parameters")
	}
	r.params = newParams.Clone()
	r.version++
	log.WithField("version", r.version).Info("Applied new global model")
	return nil
}

// Evaluate runs the held-out evaluation callback, tracks best accuracy and
// the improvement streak, and snapshots the model when accuracy strictly
// improves. Without an evaluator it returns nil metrics.
func (r *Registry) Evaluate() (map[string]float64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.evaluator == nil {
		return nil, nil
	}
	metrics, err := r.evaluator(r.params.Clone())
	if err != nil {
		return nil, errors.Wrap(err, "evaluation callback failed")
	}
	r.lastEvaluatedAt = r.now()

	acc, ok := metrics["accuracy"]
	if !ok {
		return metrics, nil
	}
	if acc > r.bestAccuracy {
		r.bestAccuracy = acc
		r.roundsSinceImprov = 0
		r.snapshotLocked(acc)
	} else {
		r.roundsSinceImprov++
	}
	return metrics, nil
}

func (r *Registry) snapshotLocked(accuracy float64) {
	if r.modelDir == "" {
		return
	}
	enc, err := tensorcodec.Encode(r.params)
	if err != nil {
		log.WithError(err).Error("Could not encode model snapshot")
		return
	}
	name := fmt.Sprintf("best_model_v%d_acc%.2f.pt", r.version, accuracy*100)
	if err := fileutil.WriteFileAtomic(filepath.Join(r.modelDir, name), enc); err != nil {
		log.WithError(err).Error("Could not write model snapshot")
		return
	}
	log.WithField("file", name).Info("Saved best model snapshot")
}

// HasConverged reports whether accuracy has not improved for the configured
// window of evaluations.
func (r *Registry) HasConverged() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.convergenceWindow > 0 && r.roundsSinceImprov >= r.convergenceWindow
}

// BestAccuracy returns the best accuracy seen so far.
func (r *Registry) BestAccuracy() float64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.bestAccuracy
}

// RecordAggregationEvent stores the first and most recent aggregation.
func (r *Registry) RecordAggregationEvent(round uint64, metrics map[string]float64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	ev := &AggregationEvent{Round: round, Timestamp: r.now(), Metrics: metrics}
	if r.firstAggregation == nil {
		r.firstAggregation = ev
	}
	r.lastAggregation = ev
}

// AggregationEvents returns the first and last recorded aggregations.
func (r *Registry) AggregationEvents() (first, last *AggregationEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.firstAggregation, r.lastAggregation
}

// AddMetrics appends a metric record and persists the history.
func (r *Registry) AddMetrics(round uint64, metrics map[string]float64, method string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.metrics = append(r.metrics, MetricRecord{
		Round:             round,
		Timestamp:         r.now(),
		AggregationMethod: method,
		Metrics:           metrics,
	})
	if r.metricsPath == "" {
		return
	}
	if err := fileutil.WriteJSONAtomic(r.metricsPath, r.metrics); err != nil {
		log.WithError(err).Error("Could not persist metrics history")
	}
}

// MetricsHistory returns a copy of the recorded metrics.
func (r *Registry) MetricsHistory() []MetricRecord {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]MetricRecord, len(r.metrics))
	copy(out, r.metrics)
	return out
}
