package tensorcodec_test

import (
	"encoding/binary"
	"testing"

	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
	"github.com/RavinduMendis/R25-039/shared/testutil/require"
	"github.com/pkg/errors"
)

func sampleMap(t *testing.T) tensorcodec.ParameterMap {
	t.Helper()
	w, err := tensorcodec.NewFloat32([]int64{2, 3}, []float64{0.5, -1.25, 2, 3, -4.75, 0})
	require.NoError(t, err)
	b, err := tensorcodec.NewFloat64([]int64{3}, []float64{0.1, 0.2, 0.3})
	require.NoError(t, err)
	return tensorcodec.ParameterMap{"conv1.weight": w, "conv1.bias": b}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pm := sampleMap(t)
	enc, err := tensorcodec.Encode(pm)
	require.NoError(t, err)
	dec, err := tensorcodec.Decode(enc)
	require.NoError(t, err)
	require.DeepEqual(t, pm, dec)
}

func TestEncode_Deterministic(t *testing.T) {
	pm := sampleMap(t)
	a, err := tensorcodec.Encode(pm)
	require.NoError(t, err)
	b, err := tensorcodec.Encode(pm.Clone())
	require.NoError(t, err)
	require.DeepEqual(t, a, b)
}

func TestDecode_Truncated(t *testing.T) {
	enc, err := tensorcodec.Encode(sampleMap(t))
	require.NoError(t, err)
	for _, cut := range []int{1, 4, 9, len(enc) / 2, len(enc) - 1} {
		_, err := tensorcodec.Decode(enc[:cut])
		assert.Equal(t, true, errors.Is(err, tensorcodec.ErrDecode), "cut=%d", cut)
	}
}

func TestDecode_TrailingBytes(t *testing.T) {
	enc, err := tensorcodec.Encode(sampleMap(t))
	require.NoError(t, err)
	_, err = tensorcodec.Decode(append(enc, 0x00))
	assert.Equal(t, true, errors.Is(err, tensorcodec.ErrDecode))
}

func TestDecode_ShapeOverflowRejected(t *testing.T) {
	// Dimensions chosen so elems*dtype.Size() wraps int64 to exactly 0,
	// matching a zero data length field.
	enc := []byte("FLT1")
	enc = binary.LittleEndian.AppendUint32(enc, 1)
	enc = binary.LittleEndian.AppendUint16(enc, 1)
	enc = append(enc, 'w')
	enc = append(enc, byte(tensorcodec.Float64), 2)
	enc = binary.LittleEndian.AppendUint32(enc, 1<<31)
	enc = binary.LittleEndian.AppendUint32(enc, 1<<30)
	enc = binary.LittleEndian.AppendUint32(enc, 0)

	_, err := tensorcodec.Decode(enc)
	require.NotNil(t, err)
	assert.Equal(t, true, errors.Is(err, tensorcodec.ErrDecode))
}

func TestDecode_BadMagic(t *testing.T) {
	enc, err := tensorcodec.Encode(sampleMap(t))
	require.NoError(t, err)
	enc[0] = 'X'
	_, err = tensorcodec.Decode(enc)
	require.ErrorContains(t, "bad magic", err)
}

func TestConformant(t *testing.T) {
	a := sampleMap(t)
	require.NoError(t, tensorcodec.Conformant(a, a.Clone()))

	missing := a.Clone()
	delete(missing, "conv1.bias")
	err := tensorcodec.Conformant(a, missing)
	assert.Equal(t, true, errors.Is(err, tensorcodec.ErrStructureMismatch))

	reshaped := a.Clone()
	rt, rerr := tensorcodec.NewFloat32([]int64{3, 2}, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, rerr)
	reshaped["conv1.weight"] = rt
	err = tensorcodec.Conformant(a, reshaped)
	assert.Equal(t, true, errors.Is(err, tensorcodec.ErrStructureMismatch))

	retyped := a.Clone()
	dt, derr := tensorcodec.NewFloat64([]int64{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, derr)
	retyped["conv1.weight"] = dt
	err = tensorcodec.Conformant(a, retyped)
	assert.Equal(t, true, errors.Is(err, tensorcodec.ErrStructureMismatch))
}

func TestFloat64sRoundTrip(t *testing.T) {
	vals := []float64{1.5, -2.25, 0, 1e6}
	tensor, err := tensorcodec.NewFloat64([]int64{4}, vals)
	require.NoError(t, err)
	require.DeepEqual(t, vals, tensor.Float64s())

	f32, err := tensorcodec.NewFloat32([]int64{2, 2}, vals)
	require.NoError(t, err)
	got := f32.Float64s()
	for i := range vals {
		assert.Equal(t, vals[i], got[i]) // values chosen to be exact in float32
	}
}
