package globalmodel

import (
	"path/filepath"
	"testing"

	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
	"github.com/RavinduMendis/R25-039/shared/testutil/require"
	"github.com/pkg/errors"
)

func initialParams(t *testing.T) tensorcodec.ParameterMap {
	t.Helper()
	w, err := tensorcodec.NewFloat64([]int64{2}, []float64{1, 2})
	require.NoError(t, err)
	return tensorcodec.ParameterMap{"w": w}
}

func TestApply_BumpsVersionAndRequiresConformance(t *testing.T) {
	r, err := New(initialParams(t), nil, "", "", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Version())

	next, err := tensorcodec.NewFloat64([]int64{2}, []float64{3, 4})
	require.NoError(t, err)
	require.NoError(t, r.Apply(tensorcodec.ParameterMap{"w": next}))
	assert.Equal(t, uint64(1), r.Version())
	require.DeepEqual(t, []float64{3, 4}, r.State()["w"].Float64s())

	bad, err := tensorcodec.NewFloat64([]int64{3}, []float64{1, 2, 3})
	require.NoError(t, err)
	err = r.Apply(tensorcodec.ParameterMap{"w": bad})
	assert.Equal(t, true, errors.Is(err, tensorcodec.ErrStructureMismatch))
	assert.Equal(t, uint64(1), r.Version())
}

func TestState_ReturnsCopy(t *testing.T) {
	r, err := New(initialParams(t), nil, "", "", 5)
	require.NoError(t, err)
	snap := r.State()
	snap["w"].Data[0] = 0xff
	assert.Equal(t, 1.0, r.State()["w"].Float64s()[0])
}

func TestEvaluate_TracksBestAndSnapshots(t *testing.T) {
	dir := t.TempDir()
	accuracies := []float64{0.5, 0.7, 0.6, 0.7}
	i := 0
	eval := func(_ tensorcodec.ParameterMap) (map[string]float64, error) {
		acc := accuracies[i]
		i++
		return map[string]float64{"accuracy": acc, "loss": 1 - acc}, nil
	}
	r, err := New(initialParams(t), eval, dir, "", 2)
	require.NoError(t, err)

	m, err := r.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, 0.5, m["accuracy"])
	assert.Equal(t, 0.5, r.BestAccuracy())
	assert.Equal(t, false, r.HasConverged())

	_, err = r.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, 0.7, r.BestAccuracy())

	// Two evaluations without improvement hit the convergence window.
	_, err = r.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, false, r.HasConverged())
	_, err = r.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, true, r.HasConverged())

	// Only the two strict improvements were snapshotted.
	snaps, err := filepath.Glob(filepath.Join(dir, "best_model_v*_acc*.pt"))
	require.NoError(t, err)
	assert.Equal(t, 2, len(snaps))
}

func TestEvaluate_NoEvaluator(t *testing.T) {
	r, err := New(initialParams(t), nil, "", "", 5)
	require.NoError(t, err)
	m, err := r.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, 0, len(m))
}

func TestEvaluate_CallbackError(t *testing.T) {
	eval := func(_ tensorcodec.ParameterMap) (map[string]float64, error) {
		return nil, errors.New("no holdout data")
	}
	r, err := New(initialParams(t), eval, "", "", 5)
	require.NoError(t, err)
	_, err = r.Evaluate()
	require.ErrorContains(t, "evaluation callback failed", err)
}

func TestAggregationEvents_FirstAndLast(t *testing.T) {
	r, err := New(initialParams(t), nil, "", "", 5)
	require.NoError(t, err)
	first, last := r.AggregationEvents()
	require.Equal(t, (*AggregationEvent)(nil), first)
	require.Equal(t, (*AggregationEvent)(nil), last)

	r.RecordAggregationEvent(1, map[string]float64{"accuracy": 0.5})
	r.RecordAggregationEvent(2, nil)
	r.RecordAggregationEvent(3, nil)
	first, last = r.AggregationEvents()
	assert.Equal(t, uint64(1), first.Round)
	assert.Equal(t, uint64(3), last.Round)
}

func TestAddMetrics_PersistsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	r, err := New(initialParams(t), nil, "", path, 5)
	require.NoError(t, err)
	r.AddMetrics(1, map[string]float64{"accuracy": 0.6}, "fedadam")
	r.AddMetrics(2, map[string]float64{"accuracy": 0.65}, "fedadam")

	restored, err := New(initialParams(t), nil, "", path, 5)
	require.NoError(t, err)
	hist := restored.MetricsHistory()
	require.Equal(t, 2, len(hist))
	assert.Equal(t, uint64(2), hist[1].Round)
	assert.Equal(t, "fedadam", hist[1].AggregationMethod)
}
