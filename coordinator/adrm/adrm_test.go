package adrm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
	"github.com/RavinduMendis/R25-039/shared/testutil/require"
)

type fakePenalizer struct {
	penalties map[string]int
}

func newFakePenalizer() *fakePenalizer {
	return &fakePenalizer{penalties: make(map[string]int)}
}

func (f *fakePenalizer) Penalize(clientID string, penalty int) {
	f.penalties[clientID] += penalty
}

func testResponseSystem(t *testing.T, p Penalizer) *ResponseSystem {
	t.Helper()
	rs, err := NewResponseSystem(ResponseConfig{
		BlockDuration:   30 * time.Minute,
		PenaltyForBlock: 15,
		PenaltyLow:      25,
	}, p, "")
	require.NoError(t, err)
	return rs
}

func paramMap(t *testing.T, vals []float64) tensorcodec.ParameterMap {
	t.Helper()
	tensor, err := tensorcodec.NewFloat64([]int64{int64(len(vals))}, vals)
	require.NoError(t, err)
	return tensorcodec.ParameterMap{"layer.weight": tensor}
}

func TestAnomalyModel_UntrainedNeverFlags(t *testing.T) {
	m := NewAnomalyModel()
	assert.Equal(t, false, m.Predict([]float64{1e9, 1e9, 1e9, 1e9, 1e9}))
}

func TestAnomalyModel_FlagsDeviantRows(t *testing.T) {
	m := NewAnomalyModel()
	rows := [][]float64{
		{1.0, 0.5}, {1.1, 0.4}, {0.9, 0.6}, {1.05, 0.5}, {0.95, 0.55},
	}
	require.NoError(t, m.Train(rows))
	assert.Equal(t, false, m.Predict([]float64{1.0, 0.5}))
	assert.Equal(t, true, m.Predict([]float64{100, 0.5}))
}

func TestAnomalyModel_IsTrainedConcurrentWithTrain(t *testing.T) {
	m := NewAnomalyModel()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.IsTrained()
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Train([][]float64{{1, 2}, {3, 4}}))
	}
	<-done
	assert.Equal(t, true, m.IsTrained())
}

func TestAnomalyModel_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	m := NewAnomalyModel()
	require.NoError(t, m.Train([][]float64{{1, 2}, {3, 4}}))
	require.NoError(t, m.Save(path))

	loaded, err := LoadAnomalyModel(path)
	require.NoError(t, err)
	assert.Equal(t, true, loaded.Trained)
	require.DeepEqual(t, m.Means, loaded.Means)

	fresh, err := LoadAnomalyModel(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, false, fresh.Trained)
}

func TestResponseSystem_GraduatedSeverity(t *testing.T) {
	p := newFakePenalizer()
	rs := testResponseSystem(t, p)
	now := time.Unix(1700000000, 0)
	rs.now = func() time.Time { return now }

	rs.Trigger("c-low", SeverityLow, "noisy update", nil, nil)
	assert.Equal(t, 25, p.penalties["c-low"])
	assert.Equal(t, false, rs.IsBlocked("c-low"))

	rs.Trigger("c-med", SeverityMedium, "suspicious", nil, nil)
	assert.Equal(t, 15, p.penalties["c-med"])
	assert.Equal(t, true, rs.IsBlocked("c-med"))

	rs.Trigger("c-high", SeverityHigh, "poisoned", nil, []byte("payload"))
	assert.Equal(t, true, rs.IsBlocked("c-high"))
	q := rs.Quarantine()
	require.Equal(t, 1, len(q))
	assert.Equal(t, "c-high", q[0].ClientID)
	assert.NotEqual(t, "", q[0].ID)

	// Medium blocks expire at half duration; high at full duration.
	now = now.Add(16 * time.Minute)
	assert.Equal(t, false, rs.IsBlocked("c-med"))
	assert.Equal(t, true, rs.IsBlocked("c-high"))
	now = now.Add(15 * time.Minute)
	assert.Equal(t, false, rs.IsBlocked("c-high"))
}

func TestResponseSystem_UnblockAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	p := newFakePenalizer()
	rs, err := NewResponseSystem(ResponseConfig{BlockDuration: time.Hour, PenaltyForBlock: 15, PenaltyLow: 25}, p, path)
	require.NoError(t, err)

	rs.Trigger("c1", SeverityHigh, "poisoned", nil, nil)
	require.Equal(t, true, rs.IsBlocked("c1"))

	restored, err := NewResponseSystem(ResponseConfig{BlockDuration: time.Hour, PenaltyForBlock: 15, PenaltyLow: 25}, p, path)
	require.NoError(t, err)
	assert.Equal(t, true, restored.IsBlocked("c1"))

	assert.Equal(t, true, restored.Unblock("c1"))
	assert.Equal(t, false, restored.IsBlocked("c1"))
	assert.Equal(t, false, restored.Unblock("c1"))
}

func TestFeaturize(t *testing.T) {
	pm := paramMap(t, []float64{3, 4})
	row := Featurize(pm)
	require.Equal(t, 5, len(row))
	assert.Equal(t, 3.5, row[0]) // mean
	assert.Equal(t, 0.5, row[1]) // std
	assert.Equal(t, 3.0, row[2]) // min
	assert.Equal(t, 4.0, row[3]) // max
	assert.Equal(t, 5.0, row[4]) // L2
}

func newTestEngine(t *testing.T, p Penalizer, batch int) (*Engine, *ResponseSystem, *ModelManager) {
	t.Helper()
	dir := t.TempDir()
	rs := testResponseSystem(t, p)
	mm, err := NewModelManager(filepath.Join(dir, "models"), filepath.Join(dir, "perf.json"), 1.1)
	require.NoError(t, err)
	return NewEngine(EngineConfig{ChallengerBatchSize: batch, CrossClientThreshold: 3.5}, mm, rs), rs, mm
}

func TestEngine_Stage1(t *testing.T) {
	p := newFakePenalizer()
	e, rs, mm := newTestEngine(t, p, 3)

	// Clean updates pass and fill the training buffer.
	assert.Equal(t, true, e.ProcessUpdate("c1", paramMap(t, []float64{1, 1}), nil))
	assert.Equal(t, true, e.ProcessUpdate("c2", paramMap(t, []float64{1.1, 0.9}), nil))
	assert.Equal(t, 2, e.BufferedRows())

	// Third clean update triggers challenger training and drains the buffer.
	assert.Equal(t, true, e.ProcessUpdate("c3", paramMap(t, []float64{0.9, 1.1}), nil))
	assert.Equal(t, 0, e.BufferedRows())
	assert.Equal(t, true, mm.Challenger().Trained)

	// A blocked client is rejected before any model runs.
	rs.Trigger("c4", SeverityHigh, "poisoned", nil, nil)
	assert.Equal(t, false, e.ProcessUpdate("c4", paramMap(t, []float64{1, 1}), nil))
}

func TestEngine_Stage1_ChampionRejects(t *testing.T) {
	p := newFakePenalizer()
	e, rs, mm := newTestEngine(t, p, 100)

	rows := make([][]float64, 10)
	for i := range rows {
		rows[i] = Featurize(paramMap(t, []float64{1 + float64(i)*0.01, 1}))
	}
	require.NoError(t, mm.Champion().Train(rows))

	assert.Equal(t, false, e.ProcessUpdate("evil", paramMap(t, []float64{1e6, 1e6}), []byte("blob")))
	assert.Equal(t, true, rs.IsBlocked("evil"))
	require.Equal(t, 1, len(rs.Quarantine()))
}

func TestEngine_Stage2_DetectOutliers(t *testing.T) {
	p := newFakePenalizer()
	e, rs, _ := newTestEngine(t, p, 100)

	updates := map[string]tensorcodec.ParameterMap{
		"a": paramMap(t, []float64{1.0, 0}),
		"b": paramMap(t, []float64{1.1, 0}),
		"c": paramMap(t, []float64{0.9, 0}),
		"d": paramMap(t, []float64{1.05, 0}),
		"e": paramMap(t, []float64{50, 0}),
	}
	outliers := e.DetectOutliers(updates)
	require.DeepEqual(t, []string{"e"}, outliers)
	assert.Equal(t, true, rs.IsBlocked("e"))
}

func TestEngine_Stage2_RequiresThreeUpdates(t *testing.T) {
	p := newFakePenalizer()
	e, _, _ := newTestEngine(t, p, 100)
	updates := map[string]tensorcodec.ParameterMap{
		"a": paramMap(t, []float64{1, 0}),
		"b": paramMap(t, []float64{100, 0}),
	}
	assert.Equal(t, 0, len(e.DetectOutliers(updates)))
}

func TestEngine_Stage2_IdenticalMagnitudes(t *testing.T) {
	p := newFakePenalizer()
	e, _, _ := newTestEngine(t, p, 100)
	updates := map[string]tensorcodec.ParameterMap{
		"a": paramMap(t, []float64{1, 0}),
		"b": paramMap(t, []float64{1, 0}),
		"c": paramMap(t, []float64{1, 0}),
	}
	assert.Equal(t, 0, len(e.DetectOutliers(updates)))
}

func TestModelManager_Promotion(t *testing.T) {
	dir := t.TempDir()
	mm, err := NewModelManager(filepath.Join(dir, "models"), filepath.Join(dir, "perf.json"), 1.1)
	require.NoError(t, err)

	require.NoError(t, mm.Challenger().Train([][]float64{{1, 2}, {3, 4}}))
	challenger := mm.Challenger()

	// Not meaningfully better: 1.0 is not > 1.0 * 1.1.
	mm.RecordPerformance(1.0, 1.0)
	promoted, err := mm.PromoteIfBetter()
	require.NoError(t, err)
	assert.Equal(t, false, promoted)

	mm.RecordPerformance(0.5, 0.9)
	promoted, err = mm.PromoteIfBetter()
	require.NoError(t, err)
	assert.Equal(t, true, promoted)
	assert.Equal(t, challenger, mm.Champion())
	assert.Equal(t, false, mm.Challenger().Trained)

	archives, err := filepath.Glob(filepath.Join(dir, "models", "champion_archive_*.json"))
	require.NoError(t, err)
	assert.Equal(t, 1, len(archives))

	// Promoted champion survives a reload.
	mm2, err := NewModelManager(filepath.Join(dir, "models"), filepath.Join(dir, "perf.json"), 1.1)
	require.NoError(t, err)
	assert.Equal(t, true, mm2.Champion().Trained)
	require.Equal(t, 2, len(mm2.PerformanceLog()))
}

func TestEvaluateAndSwap(t *testing.T) {
	p := newFakePenalizer()
	e, _, mm := newTestEngine(t, p, 100)

	// Train the challenger tightly so it flags the labeled anomalies.
	normal := [][]float64{{1, 1}, {1.01, 0.99}, {0.99, 1.01}, {1.02, 1}, {0.98, 1}}
	require.NoError(t, mm.Challenger().Train(normal))

	rows := append(append([][]float64{}, normal...), []float64{50, 50}, []float64{-40, 10})
	labels := []bool{false, false, false, false, false, true, true}

	promoted, err := e.EvaluateAndSwap(rows, labels)
	require.NoError(t, err)
	// Untrained champion scores 0, trained challenger scores 1.
	assert.Equal(t, true, promoted)
	perf := mm.PerformanceLog()
	require.Equal(t, 1, len(perf))
	assert.Equal(t, 0.0, perf[0].ChampionScore)
	assert.Equal(t, 1.0, perf[0].ChallengerScore)
}
