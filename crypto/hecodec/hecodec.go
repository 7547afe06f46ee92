// Package hecodec defines the envelope applied to parameter maps that travel
// under the homomorphic privacy scheme. The Passthrough codec frames the
// plain tensor encoding without transforming the values; a real cryptosystem
// slots in behind the same Codec interface.
package hecodec

import (
	"bytes"

	"github.com/RavinduMendis/R25-039/encoding/tensorcodec"
	"github.com/pkg/errors"
)

// ErrPrivacyDecode marks ciphertext that cannot be opened: wrong envelope,
// truncation, or an inner encoding that does not parse.
var ErrPrivacyDecode = errors.New("could not decode privacy envelope")

// Codec encrypts parameter maps for transit and opens them on arrival.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Scheme names the codec on the wire and in envelope headers.
	Scheme() string
	// Encrypt seals a parameter map into an opaque ciphertext.
	Encrypt(pm tensorcodec.ParameterMap) ([]byte, error)
	// Decrypt opens a ciphertext produced by the same scheme.
	Decrypt(ciphertext []byte) (tensorcodec.ParameterMap, error)
}

var passthroughHeader = []byte("HEPT")

// Passthrough is the identity codec. It exists so the aggregation path that
// operates on "encrypted" updates is exercised end to end while the real
// cryptosystem is out of scope.
type Passthrough struct{}

// NewPassthrough returns the identity codec.
func NewPassthrough() *Passthrough { return &Passthrough{} }

// Scheme returns the wire name of the codec.
func (p *Passthrough) Scheme() string { return "passthrough" }

// Encrypt frames the plain tensor encoding with the passthrough header.
func (p *Passthrough) Encrypt(pm tensorcodec.ParameterMap) ([]byte, error) {
	inner, err := tensorcodec.Encode(pm)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode parameters")
	}
	out := make([]byte, 0, len(passthroughHeader)+len(inner))
	out = append(out, passthroughHeader...)
	return append(out, inner...), nil
}

// Decrypt strips the header and parses the inner encoding. Anything that is
// not a passthrough envelope fails with ErrPrivacyDecode.
func (p *Passthrough) Decrypt(ciphertext []byte) (tensorcodec.ParameterMap, error) {
	if len(ciphertext) < len(passthroughHeader) || !bytes.Equal(ciphertext[:len(passthroughHeader)], passthroughHeader) {
		return nil, errors.Wrap(ErrPrivacyDecode, "missing passthrough header")
	}
	pm, err := tensorcodec.Decode(ciphertext[len(passthroughHeader):])
	if err != nil {
		return nil, errors.Wrapf(ErrPrivacyDecode, "inner encoding: %v", err)
	}
	return pm, nil
}
