package sam_test

import (
	"math"
	"testing"

	"github.com/RavinduMendis/R25-039/coordinator/sam"
	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
	"github.com/RavinduMendis/R25-039/shared/testutil/require"
	"github.com/pkg/errors"
)

func pmap(t *testing.T, vals []float64) tensorcodec.ParameterMap {
	t.Helper()
	tensor, err := tensorcodec.NewFloat64([]int64{int64(len(vals))}, vals)
	require.NoError(t, err)
	return tensorcodec.ParameterMap{"w": tensor}
}

func TestKnownMethod(t *testing.T) {
	assert.Equal(t, true, sam.KnownMethod(sam.MethodFedAvg))
	assert.Equal(t, true, sam.KnownMethod(sam.MethodFedAdam))
	assert.Equal(t, true, sam.KnownMethod(sam.MethodHomomorphic))
	assert.Equal(t, false, sam.KnownMethod("sgd"))
}

func TestAggregate_EmptyInputKeepsGlobal(t *testing.T) {
	a := sam.New(sam.DefaultAdamParams())
	global := pmap(t, []float64{1, 2, 3})
	out, err := a.Aggregate(sam.MethodFedAvg, global, nil)
	require.NoError(t, err)
	require.DeepEqual(t, global, out)
	// The result is a copy, not the same backing array.
	out["w"].Data[0] = 0xff
	assert.Equal(t, 1.0, global["w"].Float64s()[0])
}

func TestAggregate_FedAvg(t *testing.T) {
	a := sam.New(sam.DefaultAdamParams())
	global := pmap(t, []float64{10, 20})
	deltas := []tensorcodec.ParameterMap{
		pmap(t, []float64{1, -2}),
		pmap(t, []float64{3, 2}),
	}
	out, err := a.Aggregate(sam.MethodFedAvg, global, deltas)
	require.NoError(t, err)
	got := out["w"].Float64s()
	assert.Equal(t, 12.0, got[0]) // 10 + mean(1,3)
	assert.Equal(t, 20.0, got[1]) // 20 + mean(-2,2)
}

func TestAggregate_FedAdam_FirstCall(t *testing.T) {
	p := sam.DefaultAdamParams()
	a := sam.New(p)
	global := pmap(t, []float64{1})
	deltas := []tensorcodec.ParameterMap{pmap(t, []float64{0.5})}

	out, err := a.Aggregate(sam.MethodFedAdam, global, deltas)
	require.NoError(t, err)

	// With zero-initialized moments and the literal bias divisions, the
	// first step moves by eta * g / (|g| + eps).
	g := 0.5
	want := 1 + p.Eta*g/(math.Sqrt(g*g)+p.Epsilon)
	got := out["w"].Float64s()[0]
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAggregate_FedAdam_MomentsPersistAcrossCalls(t *testing.T) {
	p := sam.DefaultAdamParams()
	a := sam.New(p)
	global := pmap(t, []float64{0})
	delta := []tensorcodec.ParameterMap{pmap(t, []float64{1})}

	first, err := a.Aggregate(sam.MethodFedAdam, global, delta)
	require.NoError(t, err)
	second, err := a.Aggregate(sam.MethodFedAdam, global, delta)
	require.NoError(t, err)

	// Manual recurrence for two identical steps.
	m, v := 0.0, 0.0
	var want float64
	for i := 0; i < 2; i++ {
		m = p.Beta1*m + (1-p.Beta1)*1
		v = p.Beta2*v + (1-p.Beta2)*1
		want = p.Eta * (m / (1 - p.Beta1)) / (math.Sqrt(v/(1-p.Beta2)) + p.Epsilon)
	}
	got := second["w"].Float64s()[0]
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("got %v, want %v", got, want)
	}
	assert.NotEqual(t, first["w"].Float64s()[0], got)
	assert.Equal(t, uint64(2), a.Calls())

	// Resetting the buffers restores first-step behavior.
	a.ResetMoments()
	third, err := a.Aggregate(sam.MethodFedAdam, global, delta)
	require.NoError(t, err)
	assert.Equal(t, first["w"].Float64s()[0], third["w"].Float64s()[0])
}

func TestAggregate_HomomorphicMatchesFedAdam(t *testing.T) {
	global := pmap(t, []float64{1, 2})
	deltas := []tensorcodec.ParameterMap{pmap(t, []float64{0.1, -0.2})}

	adam, err := sam.New(sam.DefaultAdamParams()).Aggregate(sam.MethodFedAdam, global, deltas)
	require.NoError(t, err)
	he, err := sam.New(sam.DefaultAdamParams()).Aggregate(sam.MethodHomomorphic, global, deltas)
	require.NoError(t, err)
	require.DeepEqual(t, adam, he)
}

func TestAggregate_NonConformantFails(t *testing.T) {
	a := sam.New(sam.DefaultAdamParams())
	global := pmap(t, []float64{1, 2})
	bad := []tensorcodec.ParameterMap{pmap(t, []float64{1, 2, 3})}
	_, err := a.Aggregate(sam.MethodFedAvg, global, bad)
	assert.Equal(t, true, errors.Is(err, sam.ErrAggregation))
}

func TestAggregate_UnknownMethodFails(t *testing.T) {
	a := sam.New(sam.DefaultAdamParams())
	global := pmap(t, []float64{1})
	_, err := a.Aggregate("sgd", global, []tensorcodec.ParameterMap{pmap(t, []float64{1})})
	assert.Equal(t, true, errors.Is(err, sam.ErrAggregation))
}
