package adrm

import (
	"math"
	"sync"

	"github.com/RavinduMendis/R25-039/shared/fileutil"
	"github.com/pkg/errors"
)

// zScoreCutoff is how many standard deviations a feature may deviate from
// its trained mean before the row is flagged.
const zScoreCutoff = 3.0

// AnomalyModel flags update feature rows that deviate from the population it
// was trained on. An untrained model never flags anything, so detection
// degrades to a no-op rather than blocking healthy clients.
type AnomalyModel struct {
	lock sync.RWMutex

	Trained bool      `json:"trained"`
	Means   []float64 `json:"means"`
	Stds    []float64 `json:"stds"`
	Samples int       `json:"samples"`
}

// NewAnomalyModel returns an untrained model.
func NewAnomalyModel() *AnomalyModel {
	return &AnomalyModel{}
}

// Train fits the model to the given feature rows, replacing any prior fit.
func (m *AnomalyModel) Train(rows [][]float64) error {
	if len(rows) == 0 {
		return errors.New("cannot train on an empty feature matrix")
	}
	dims := len(rows[0])
	for _, row := range rows {
		if len(row) != dims {
			return errors.Errorf("ragged feature matrix: row has %d features, want %d", len(row), dims)
		}
	}

	means := make([]float64, dims)
	for _, row := range rows {
		for i, v := range row {
			means[i] += v
		}
	}
	for i := range means {
		means[i] /= float64(len(rows))
	}
	stds := make([]float64, dims)
	for _, row := range rows {
		for i, v := range row {
			d := v - means[i]
			stds[i] += d * d
		}
	}
	for i := range stds {
		stds[i] = math.Sqrt(stds[i] / float64(len(rows)))
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	m.Trained = true
	m.Means = means
	m.Stds = stds
	m.Samples = len(rows)
	return nil
}

// IsTrained reports whether the model has been fitted.
func (m *AnomalyModel) IsTrained() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.Trained
}

// Predict reports whether the feature row looks anomalous. An untrained
// model always reports false.
func (m *AnomalyModel) Predict(row []float64) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if !m.Trained || len(row) != len(m.Means) {
		return false
	}
	for i, v := range row {
		std := m.Stds[i]
		if std < 1e-12 {
			// A feature with no trained variance only matches exactly.
			if math.Abs(v-m.Means[i]) > 1e-9 {
				return true
			}
			continue
		}
		if math.Abs(v-m.Means[i])/std > zScoreCutoff {
			return true
		}
	}
	return false
}

// Save writes the model state atomically.
func (m *AnomalyModel) Save(path string) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return fileutil.WriteJSONAtomic(path, m)
}

// LoadAnomalyModel reads a model from disk. A missing file yields a fresh
// untrained model, never an error.
func LoadAnomalyModel(path string) (*AnomalyModel, error) {
	if !fileutil.FileExists(path) {
		return NewAnomalyModel(), nil
	}
	m := NewAnomalyModel()
	if err := fileutil.ReadJSON(path, m); err != nil {
		return nil, errors.Wrap(err, "could not load anomaly model")
	}
	return m, nil
}
