package tensorcodec

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrDecode marks a truncated or malformed encoding. Decoding never returns
// a partial map.
var ErrDecode = errors.New("malformed tensor encoding")

var magic = [4]byte{'F', 'L', 'T', '1'}

const (
	maxNameLen  = 1 << 12
	maxRank     = 16
	maxTensorSz = 1 << 30
)

// Encode serializes the parameter map. Entries are written in sorted name
// order so equal maps produce identical bytes.
func Encode(pm ParameterMap) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(pm))); err != nil {
		return nil, err
	}
	for _, name := range pm.Keys() {
		t := pm[name]
		if len(name) > maxNameLen {
			return nil, errors.Errorf("parameter name too long: %d bytes", len(name))
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(name))); err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteByte(byte(t.DType))
		buf.WriteByte(byte(len(t.Shape)))
		for _, d := range t.Shape {
			if err := binary.Write(&buf, binary.LittleEndian, uint32(d)); err != nil {
				return nil, err
			}
		}
		want := t.NumElems() * int64(t.DType.Size())
		if int64(len(t.Data)) != want {
			return nil, errors.Errorf("parameter %q has %d data bytes, want %d", name, len(t.Data), want)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(t.Data))); err != nil {
			return nil, err
		}
		buf.Write(t.Data)
	}
	return buf.Bytes(), nil
}

// Decode parses an encoded parameter map, validating every length field
// before allocating. Any truncation or inconsistency fails with ErrDecode.
func Decode(data []byte) (ParameterMap, error) {
	r := &reader{data: data}
	hdr, err := r.take(4)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr, magic[:]) {
		return nil, errors.Wrap(ErrDecode, "bad magic")
	}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	pm := make(ParameterMap, count)
	for i := uint32(0); i < count; i++ {
		nameLen, err := r.uint16()
		if err != nil {
			return nil, err
		}
		if nameLen == 0 || nameLen > maxNameLen {
			return nil, errors.Wrapf(ErrDecode, "invalid name length %d", nameLen)
		}
		nameBytes, err := r.take(int(nameLen))
		if err != nil {
			return nil, err
		}
		name := string(nameBytes)
		if _, dup := pm[name]; dup {
			return nil, errors.Wrapf(ErrDecode, "duplicate parameter %q", name)
		}
		dtypeByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		dtype := DType(dtypeByte)
		if dtype.Size() == 0 {
			return nil, errors.Wrapf(ErrDecode, "unknown dtype %d for %q", dtypeByte, name)
		}
		rank, err := r.byte()
		if err != nil {
			return nil, err
		}
		if rank > maxRank {
			return nil, errors.Wrapf(ErrDecode, "rank %d too large for %q", rank, name)
		}
		shape := make([]int64, rank)
		elems := int64(1)
		for d := 0; d < int(rank); d++ {
			dim, err := r.uint32()
			if err != nil {
				return nil, err
			}
			if dim == 0 {
				return nil, errors.Wrapf(ErrDecode, "zero dimension for %q", name)
			}
			shape[d] = int64(dim)
			if elems > math.MaxInt64/int64(dim) {
				return nil, errors.Wrapf(ErrDecode, "element count overflow for %q", name)
			}
			elems *= int64(dim)
		}
		// Bound elems before multiplying so a crafted shape cannot wrap
		// elems*size around int64 and slip past the length check.
		if elems > maxTensorSz/int64(dtype.Size()) {
			return nil, errors.Wrapf(ErrDecode, "tensor %q too large: %d elements", name, elems)
		}
		dataLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if int64(dataLen) != elems*int64(dtype.Size()) || dataLen > maxTensorSz {
			return nil, errors.Wrapf(ErrDecode, "data length %d inconsistent with shape of %q", dataLen, name)
		}
		raw, err := r.take(int(dataLen))
		if err != nil {
			return nil, err
		}
		dataCopy := make([]byte, len(raw))
		copy(dataCopy, raw)
		pm[name] = &Tensor{DType: dtype, Shape: shape, Data: dataCopy}
	}
	if r.remaining() != 0 {
		return nil, errors.Wrapf(ErrDecode, "%d trailing bytes", r.remaining())
	}
	return pm, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, errors.Wrap(ErrDecode, "truncated input")
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
