// Package sss implements chunked Shamir secret sharing over a small prime
// field. A byte payload is cut into fixed-size chunks; each chunk becomes the
// constant term of a random polynomial of degree threshold-1, and every share
// bundle carries one evaluation point per chunk. Any threshold bundles
// reconstruct the payload; fewer carry no information about it.
package sss

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "sss")

const (
	// Prime is the field modulus. It exceeds 2^(8*ChunkSize) so every chunk
	// value is a valid field element.
	Prime int64 = 104857601
	// ChunkSize is the number of payload bytes per secret.
	ChunkSize = 3
)

// ErrReconstruct marks a failed reconstruction: too few bundles, corrupt
// share data, or a length mismatch against the declared payload size.
var ErrReconstruct = errors.New("could not reconstruct payload from shares")

// Scheme is a (threshold, numShares) splitting configuration.
type Scheme struct {
	NumShares int
	Threshold int
}

// New validates and returns a scheme.
func New(numShares, threshold int) (*Scheme, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if threshold > numShares {
		return nil, errors.New("threshold cannot be greater than the number of shares")
	}
	return &Scheme{NumShares: numShares, Threshold: threshold}, nil
}

type sharePoint struct {
	Chunk int      `json:"c"`
	Point [2]int64 `json:"s"` // (x, y)
}

type bundle struct {
	Length int          `json:"l"`
	Shares []sharePoint `json:"d"`
}

// Split cuts data into chunks and produces NumShares self-describing share
// bundles. Polynomial coefficients are drawn fresh from crypto/rand for
// every chunk.
func (s *Scheme) Split(data []byte) ([][]byte, error) {
	bundles := make([]bundle, s.NumShares)
	for i := range bundles {
		bundles[i].Length = len(data)
	}

	chunkIndex := 0
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		secret := int64(0)
		for _, b := range data[off:end] {
			secret = secret<<8 | int64(b)
		}

		coeffs := make([]int64, s.Threshold)
		coeffs[0] = secret
		for j := 1; j < s.Threshold; j++ {
			c, err := rand.Int(rand.Reader, big.NewInt(Prime))
			if err != nil {
				return nil, errors.Wrap(err, "could not draw polynomial coefficient")
			}
			coeffs[j] = c.Int64()
		}

		for i := 0; i < s.NumShares; i++ {
			x := int64(i + 1)
			bundles[i].Shares = append(bundles[i].Shares, sharePoint{
				Chunk: chunkIndex,
				Point: [2]int64{x, evalPoly(coeffs, x)},
			})
		}
		chunkIndex++
	}

	out := make([][]byte, s.NumShares)
	for i := range bundles {
		enc, err := json.Marshal(bundles[i])
		if err != nil {
			return nil, errors.Wrap(err, "could not encode share bundle")
		}
		out[i] = enc
	}
	return out, nil
}

// Reconstruct rebuilds the payload from at least Threshold bundles. Bundles
// must all originate from the same Split call; mixing bundles of different
// payloads yields garbage that fails the length check.
func (s *Scheme) Reconstruct(payloads [][]byte) ([]byte, error) {
	if len(payloads) < s.Threshold {
		return nil, errors.Wrapf(ErrReconstruct, "need at least %d bundles, got %d", s.Threshold, len(payloads))
	}

	byChunk := make(map[int][][2]int64)
	length := -1
	for _, p := range payloads {
		var b bundle
		if err := json.Unmarshal(p, &b); err != nil {
			log.WithError(err).Warn("Skipping invalid share bundle")
			continue
		}
		if length < 0 {
			length = b.Length
		}
		for _, sp := range b.Shares {
			byChunk[sp.Chunk] = append(byChunk[sp.Chunk], sp.Point)
		}
	}
	if length < 0 {
		return nil, errors.Wrap(ErrReconstruct, "no valid bundle carried the payload length")
	}

	expectedChunks := (length + ChunkSize - 1) / ChunkSize
	chunkValues := make(map[int]int64, expectedChunks)
	for idx, points := range byChunk {
		distinct := dedupeByX(points)
		if len(distinct) < s.Threshold {
			continue
		}
		v, err := interpolateAtZero(distinct[:s.Threshold])
		if err != nil {
			return nil, err
		}
		chunkValues[idx] = v
	}
	if len(chunkValues) != expectedChunks {
		return nil, errors.Wrapf(ErrReconstruct, "reconstructed %d of %d chunks", len(chunkValues), expectedChunks)
	}

	indices := make([]int, 0, len(chunkValues))
	for idx := range chunkValues {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	fullChunks := length / ChunkSize
	lastSize := length % ChunkSize
	out := make([]byte, 0, length)
	for _, idx := range indices {
		size := ChunkSize
		if idx >= fullChunks {
			size = lastSize
		}
		v := chunkValues[idx]
		piece := make([]byte, size)
		for b := size - 1; b >= 0; b-- {
			piece[b] = byte(v & 0xff)
			v >>= 8
		}
		out = append(out, piece...)
	}
	if len(out) != length {
		return nil, errors.Wrapf(ErrReconstruct, "final length %d does not match declared %d", len(out), length)
	}
	return out, nil
}

func dedupeByX(points [][2]int64) [][2]int64 {
	seen := make(map[int64]bool, len(points))
	out := make([][2]int64, 0, len(points))
	for _, p := range points {
		if seen[p[0]] {
			continue
		}
		seen[p[0]] = true
		out = append(out, p)
	}
	return out
}

func evalPoly(coeffs []int64, x int64) int64 {
	// Horner evaluation, all arithmetic mod Prime.
	y := int64(0)
	for j := len(coeffs) - 1; j >= 0; j-- {
		y = (y*x + coeffs[j]) % Prime
	}
	return y
}

// interpolateAtZero computes the Lagrange interpolation of the points at
// x = 0 over the prime field.
func interpolateAtZero(points [][2]int64) (int64, error) {
	secret := int64(0)
	for i := range points {
		num := int64(1)
		den := int64(1)
		for j := range points {
			if i == j {
				continue
			}
			num = mulMod(num, mod(-points[j][0]))
			den = mulMod(den, mod(points[i][0]-points[j][0]))
		}
		if den == 0 {
			return 0, errors.Wrap(ErrReconstruct, "duplicate x coordinates in shares")
		}
		term := mulMod(mulMod(mod(points[i][1]), num), modInverse(den))
		secret = (secret + term) % Prime
	}
	return secret, nil
}

func mod(a int64) int64 {
	a %= Prime
	if a < 0 {
		a += Prime
	}
	return a
}

func mulMod(a, b int64) int64 {
	return mod(a) * mod(b) % Prime
}

// modInverse computes a^-1 mod Prime via Fermat's little theorem.
func modInverse(a int64) int64 {
	return powMod(mod(a), Prime-2)
}

func powMod(base, exp int64) int64 {
	result := int64(1)
	base = mod(base)
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod(result, base)
		}
		base = mulMod(base, base)
		exp >>= 1
	}
	return result
}
