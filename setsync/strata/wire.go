package strata

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/spacemeshos/go-setunion/setsync/ibf"
)

// ErrMalformed is returned when a serialized estimator can't be decoded.
var ErrMalformed = errors.New("strata: malformed estimator")

// maxDecoderMemory bounds the memory used to decompress an estimator.
const maxDecoderMemory = 1 << 22

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("BUG: zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoderMemory))
	if err != nil {
		panic(fmt.Sprintf("BUG: zstd decoder: %v", err))
	}
}

// EncodedSize returns the uncompressed size of n estimators serialized with
// the given count width.
func EncodedSize(p Params, n, width int) int {
	return n * p.StrataCount * p.IBFSize * ibf.BucketSize(width)
}

// Marshal serializes the first n estimators, stratum by stratum. The payload
// is zstd-compressed if that makes it strictly smaller.
func (m *MultiEstimator) Marshal(n int) (payload []byte, width int, compressed bool) {
	if n < 1 || n > len(m.estimators) {
		panic(fmt.Sprintf("BUG: marshaling %d of %d estimators", n, len(m.estimators)))
	}
	width = 1
	for _, e := range m.estimators[:n] {
		for _, s := range e.strata {
			width = max(width, s.CountWidth())
		}
	}
	payload = make([]byte, 0, EncodedSize(m.params, n, width))
	for _, e := range m.estimators[:n] {
		for _, s := range e.strata {
			payload = s.WriteSlice(payload, 0, s.Size(), width)
		}
	}
	packed := encoder.EncodeAll(payload, nil)
	if len(packed) < len(payload) {
		return packed, width, true
	}
	return payload, width, false
}

// Unmarshal decodes n estimators serialized by Marshal.
func Unmarshal(p Params, n, width int, payload []byte, compressed bool) (*MultiEstimator, error) {
	if n < 1 || n > MaxEstimators {
		return nil, fmt.Errorf("%w: bad estimator count %d", ErrMalformed, n)
	}
	if !ibf.ValidWidth(width) {
		return nil, fmt.Errorf("%w: bad count width %d", ErrMalformed, width)
	}
	size := EncodedSize(p, n, width)
	if compressed {
		var err error
		payload, err = decoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %w", ErrMalformed, err)
		}
	}
	if len(payload) != size {
		return nil, fmt.Errorf("%w: payload size %d, expected %d", ErrMalformed, len(payload), size)
	}
	m, err := NewMultiEstimator(p, n)
	if err != nil {
		return nil, err
	}
	stratumSize := p.IBFSize * ibf.BucketSize(width)
	for _, e := range m.estimators {
		for _, s := range e.strata {
			if err := s.ReadSlice(payload[:stratumSize], 0, p.IBFSize, width); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			payload = payload[stratumSize:]
		}
	}
	return m, nil
}
