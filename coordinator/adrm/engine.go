package adrm

import (
	"math"
	"sort"
	"sync"

	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/sirupsen/logrus"
)

// EngineConfig tunes the two-stage detector.
type EngineConfig struct {
	// ChallengerBatchSize is how many clean feature rows accumulate
	// before the challenger is retrained.
	ChallengerBatchSize int
	// CrossClientThreshold is the modified z-score above which a round
	// participant is a peer outlier.
	CrossClientThreshold float64
}

// Engine runs stage-1 per-update checks and stage-2 per-round peer checks.
type Engine struct {
	lock   sync.Mutex
	cfg    EngineConfig
	models *ModelManager
	resp   *ResponseSystem
	buffer [][]float64
}

// NewEngine wires the detector to its model manager and response system.
func NewEngine(cfg EngineConfig, models *ModelManager, resp *ResponseSystem) *Engine {
	return &Engine{cfg: cfg, models: models, resp: resp}
}

// Featurize flattens every tensor in the map into one vector and returns the
// feature row (mean, std, min, max, L2 norm).
func Featurize(pm tensorcodec.ParameterMap) []float64 {
	var vals []float64
	for _, name := range pm.Keys() {
		vals = append(vals, pm[name].Float64s()...)
	}
	if len(vals) == 0 {
		return []float64{0, 0, 0, 0, 0}
	}
	mean := 0.0
	minV := vals[0]
	maxV := vals[0]
	l2 := 0.0
	for _, v := range vals {
		mean += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		l2 += v * v
	}
	mean /= float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(vals)))
	return []float64{mean, std, minV, maxV, math.Sqrt(l2)}
}

// IsBlocked reports whether the response system currently blocks the client.
func (e *Engine) IsBlocked(clientID string) bool {
	return e.resp.IsBlocked(clientID)
}

// ProcessUpdate is the stage-1 gate for one client update. Blocked clients
// and champion-flagged updates are rejected; clean updates feed the
// challenger's training buffer.
func (e *Engine) ProcessUpdate(clientID string, pm tensorcodec.ParameterMap, rawPayload []byte) bool {
	if e.resp.IsBlocked(clientID) {
		log.WithField("clientID", clientID).Warn("Rejecting update from blocked client")
		return false
	}
	row := Featurize(pm)
	if e.models.Champion().Predict(row) {
		e.resp.Trigger(clientID, SeverityHigh, "update flagged by anomaly model", map[string]interface{}{
			"features": row,
		}, rawPayload)
		return false
	}

	e.lock.Lock()
	e.buffer = append(e.buffer, row)
	retrain := len(e.buffer) >= e.cfg.ChallengerBatchSize
	var batch [][]float64
	if retrain {
		batch = e.buffer
		e.buffer = nil
	}
	e.lock.Unlock()

	if retrain {
		if err := e.models.Challenger().Train(batch); err != nil {
			log.WithError(err).Error("Could not train challenger")
		} else if err := e.models.PersistChallenger(); err != nil {
			log.WithError(err).Error("Could not persist challenger")
		} else {
			log.WithField("batch", len(batch)).Info("Retrained challenger model")
		}
	}
	return true
}

// DetectOutliers is the stage-2 peer check over one round's accepted
// updates. It flags clients whose update magnitude sits far from the round
// median under the modified z-score and triggers a high-severity response
// for each. Needs at least three updates to be meaningful.
func (e *Engine) DetectOutliers(updates map[string]tensorcodec.ParameterMap) []string {
	if len(updates) < 3 {
		return nil
	}

	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	magnitudes := make(map[string]float64, len(updates))
	all := make([]float64, 0, len(updates))
	for _, id := range ids {
		m := Featurize(updates[id])[4]
		magnitudes[id] = m
		all = append(all, m)
	}
	med := median(all)
	deviations := make([]float64, len(all))
	for i, m := range all {
		deviations[i] = math.Abs(m - med)
	}
	mad := median(deviations)
	if mad < 1e-9 {
		// All magnitudes agree, nothing to flag.
		return nil
	}

	var outliers []string
	for _, id := range ids {
		z := 0.6745 * (magnitudes[id] - med) / mad
		if z > e.cfg.CrossClientThreshold {
			outliers = append(outliers, id)
			e.resp.Trigger(id, SeverityHigh, "peer outlier in round aggregation", map[string]interface{}{
				"magnitude": magnitudes[id],
				"median":    med,
				"z":         z,
			}, nil)
		}
	}
	return outliers
}

// EvaluateAndSwap scores both model slots on labeled feature rows, records
// the result, and promotes the challenger if it is meaningfully better.
func (e *Engine) EvaluateAndSwap(rows [][]float64, labels []bool) (bool, error) {
	champScore := f1Score(e.models.Champion(), rows, labels)
	challScore := f1Score(e.models.Challenger(), rows, labels)
	e.models.RecordPerformance(champScore, challScore)
	promoted, err := e.models.PromoteIfBetter()
	if err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{
		"champion":   champScore,
		"challenger": challScore,
		"promoted":   promoted,
	}).Info("Evaluated anomaly models")
	return promoted, nil
}

// BufferedRows reports how many clean rows await the next challenger
// training batch.
func (e *Engine) BufferedRows() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.buffer)
}

func f1Score(m *AnomalyModel, rows [][]float64, labels []bool) float64 {
	var tp, fp, fn float64
	for i, row := range rows {
		pred := m.Predict(row)
		switch {
		case pred && labels[i]:
			tp++
		case pred && !labels[i]:
			fp++
		case !pred && labels[i]:
			fn++
		}
	}
	if tp == 0 {
		return 0
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return 2 * precision * recall / (precision + recall)
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
