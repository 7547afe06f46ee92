// Package sam performs secure aggregation of client model deltas into a new
// set of global parameters. Each input map is the client-computed delta from
// the current global model.
package sam

import (
	"math"
	"sync"

	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "sam")

// ErrAggregation marks inputs the aggregator cannot combine, typically a
// non-conformant delta. The orchestrator abandons the round on it.
var ErrAggregation = errors.New("could not aggregate client updates")

// Supported aggregation methods.
const (
	MethodFedAvg      = "fedavg"
	MethodFedAdam     = "fedadam"
	MethodHomomorphic = "homomorphic_aggregation"
)

// KnownMethod reports whether method names a supported aggregation.
func KnownMethod(method string) bool {
	switch method {
	case MethodFedAvg, MethodFedAdam, MethodHomomorphic:
		return true
	}
	return false
}

// AdamParams are the FedAdam hyperparameters.
type AdamParams struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
	Eta     float64
}

// DefaultAdamParams returns the standard FedAdam tuning.
func DefaultAdamParams() AdamParams {
	return AdamParams{Beta1: 0.9, Beta2: 0.99, Epsilon: 1e-8, Eta: 0.01}
}

// Aggregator combines client deltas with the current global parameters. The
// FedAdam moment buffers live here and persist across rounds; everything
// else is stateless per call.
type Aggregator struct {
	lock  sync.Mutex
	adam  AdamParams
	mMom  map[string][]float64
	vMom  map[string][]float64
	calls uint64
}

// New builds an aggregator with empty moment buffers.
func New(adam AdamParams) *Aggregator {
	return &Aggregator{
		adam: adam,
		mMom: make(map[string][]float64),
		vMom: make(map[string][]float64),
	}
}

// Aggregate applies the named method. An empty delta list returns the global
// parameters unchanged; a delta that does not conform to the global
// structure fails with ErrAggregation.
func (a *Aggregator) Aggregate(method string, global tensorcodec.ParameterMap, deltas []tensorcodec.ParameterMap) (tensorcodec.ParameterMap, error) {
	if len(deltas) == 0 {
		log.Warn("No updates to aggregate, keeping global parameters")
		return global.Clone(), nil
	}
	for i, d := range deltas {
		if err := tensorcodec.Conformant(global, d); err != nil {
			return nil, errors.Wrapf(ErrAggregation, "delta %d: %v", i, err)
		}
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	a.calls++

	switch method {
	case MethodFedAvg:
		return a.fedAvg(global, deltas)
	case MethodFedAdam, MethodHomomorphic:
		// Homomorphic aggregation runs FedAdam over already-decrypted
		// deltas; the separate name lets the orchestrator express the
		// privacy policy it aggregated under.
		return a.fedAdam(global, deltas)
	default:
		return nil, errors.Wrapf(ErrAggregation, "unknown method %q", method)
	}
}

// Calls returns how many aggregations have run.
func (a *Aggregator) Calls() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.calls
}

// ResetMoments clears the FedAdam buffers, used when the global model is
// replaced wholesale.
func (a *Aggregator) ResetMoments() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.mMom = make(map[string][]float64)
	a.vMom = make(map[string][]float64)
}

func (a *Aggregator) fedAvg(global tensorcodec.ParameterMap, deltas []tensorcodec.ParameterMap) (tensorcodec.ParameterMap, error) {
	out := global.Clone()
	for _, name := range global.Keys() {
		mean := meanDelta(name, deltas)
		vals := out[name].Float64s()
		for i := range vals {
			vals[i] += mean[i]
		}
		if err := out[name].SetFloat64s(vals); err != nil {
			return nil, errors.Wrapf(ErrAggregation, "parameter %q: %v", name, err)
		}
	}
	return out, nil
}

func (a *Aggregator) fedAdam(global tensorcodec.ParameterMap, deltas []tensorcodec.ParameterMap) (tensorcodec.ParameterMap, error) {
	out := global.Clone()
	for _, name := range global.Keys() {
		g := meanDelta(name, deltas)
		m, ok := a.mMom[name]
		if !ok {
			m = make([]float64, len(g))
			a.mMom[name] = m
		}
		v, ok := a.vMom[name]
		if !ok {
			v = make([]float64, len(g))
			a.vMom[name] = v
		}
		if len(m) != len(g) || len(v) != len(g) {
			return nil, errors.Wrapf(ErrAggregation, "moment buffer for %q has stale shape", name)
		}

		vals := out[name].Float64s()
		for i := range g {
			m[i] = a.adam.Beta1*m[i] + (1-a.adam.Beta1)*g[i]
			v[i] = a.adam.Beta2*v[i] + (1-a.adam.Beta2)*g[i]*g[i]
			mHat := m[i] / (1 - a.adam.Beta1)
			vHat := v[i] / (1 - a.adam.Beta2)
			vals[i] += a.adam.Eta * mHat / (math.Sqrt(vHat) + a.adam.Epsilon)
		}
		if err := out[name].SetFloat64s(vals); err != nil {
			return nil, errors.Wrapf(ErrAggregation, "parameter %q: %v", name, err)
		}
	}
	return out, nil
}

// meanDelta computes the per-element unweighted mean of one parameter
// across all deltas. Conformance is checked by the caller.
func meanDelta(name string, deltas []tensorcodec.ParameterMap) []float64 {
	n := float64(len(deltas))
	mean := make([]float64, deltas[0][name].NumElems())
	for _, d := range deltas {
		for i, v := range d[name].Float64s() {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= n
	}
	return mean
}
