// Package strata implements strata estimators of set difference size.
package strata

import (
	"fmt"
	"math/bits"

	"github.com/spacemeshos/go-setunion/setsync/ibf"
)

const (
	// DefaultStrataCount is the number of strata in an estimator.
	DefaultStrataCount = 32
	// DefaultIBFSize is the number of buckets in each stratum.
	DefaultIBFSize = 79
	// DefaultHashNum is the number of buckets each key is stored in.
	DefaultHashNum = 3
	// MaxEstimators is the maximum number of estimators in a MultiEstimator.
	MaxEstimators = 4
)

// Params define the geometry of an estimator. Both peers must use the same
// parameters.
type Params struct {
	StrataCount int `mapstructure:"strata-count"`
	IBFSize     int `mapstructure:"ibf-size"`
	HashNum     int `mapstructure:"hash-num"`
}

// DefaultParams returns the standard estimator geometry.
func DefaultParams() Params {
	return Params{
		StrataCount: DefaultStrataCount,
		IBFSize:     DefaultIBFSize,
		HashNum:     DefaultHashNum,
	}
}

// Validate checks that the parameters describe a usable estimator.
func (p Params) Validate() error {
	if p.StrataCount < 1 || p.StrataCount > 64 {
		return fmt.Errorf("strata: bad strata count %d", p.StrataCount)
	}
	if _, err := ibf.New(p.IBFSize, p.HashNum); err != nil {
		return fmt.Errorf("strata: %w", err)
	}
	return nil
}

// Estimator is a single strata estimator. Key k is inserted into strata
// 0 to trailing_ones(k') inclusive, with k' being k rotated by an
// estimator-specific salt. The highest stratum receives all keys with at
// least that many trailing ones.
type Estimator struct {
	salt   uint32
	strata []*ibf.IBF
}

// NewEstimator creates an empty estimator.
func NewEstimator(p Params, salt uint32) (*Estimator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{
		salt:   salt,
		strata: make([]*ibf.IBF, p.StrataCount),
	}
	for i := range e.strata {
		e.strata[i], _ = ibf.New(p.IBFSize, p.HashNum)
	}
	return e, nil
}

func (e *Estimator) saltKey(k ibf.Key) ibf.Key {
	return ibf.Key(bits.RotateLeft64(uint64(k), int(e.salt*7%64)))
}

func (e *Estimator) top(k ibf.Key) int {
	return min(bits.TrailingZeros64(^uint64(k)), len(e.strata)-1)
}

// Insert adds the key to the estimator.
func (e *Estimator) Insert(k ibf.Key) {
	k = e.saltKey(k)
	for i := range e.top(k) + 1 {
		e.strata[i].Insert(k)
	}
}

// Remove removes the key from the estimator.
func (e *Estimator) Remove(k ibf.Key) {
	k = e.saltKey(k)
	for i := range e.top(k) + 1 {
		e.strata[i].Remove(k)
	}
}

// Clone returns an independent copy of the estimator.
func (e *Estimator) Clone() *Estimator {
	c := &Estimator{salt: e.salt, strata: make([]*ibf.IBF, len(e.strata))}
	for i, s := range e.strata {
		c.strata[i] = s.Clone()
	}
	return c
}

// decodeCounts fully decodes the filter, returning the number of keys on each
// side. ok is false if decoding got stuck or yielded more keys than there are
// buckets.
func decodeCounts(f *ibf.IBF) (local, remote int, ok bool) {
	for n := 0; ; n++ {
		if n > f.Size() {
			return 0, 0, false
		}
		_, side, err := f.DecodeOne()
		if err != nil {
			return 0, 0, false
		}
		switch side {
		case ibf.SideNone:
			return local, remote, true
		case ibf.SideLocal:
			local++
		case ibf.SideRemote:
			remote++
		}
	}
}

// Difference estimates the number of keys present only in e and only in
// remote. Strata are decoded from the highest one down. If stratum i fails to
// decode, the counts of stratum i+1 scaled by 2^(i+1) are returned. If every
// stratum decodes, the counts of stratum 0 are exact.
func (e *Estimator) Difference(remote *Estimator) (localSurplus, remoteSurplus int) {
	if len(e.strata) != len(remote.strata) {
		panic(fmt.Sprintf("BUG: strata count mismatch: %d != %d", len(e.strata), len(remote.strata)))
	}
	var local, rem int
	for i := len(e.strata) - 1; i >= 0; i-- {
		diff := e.strata[i].Clone()
		diff.Subtract(remote.strata[i])
		l, r, ok := decodeCounts(diff)
		if !ok {
			return local << (i + 1), rem << (i + 1)
		}
		local, rem = l, r
	}
	return local, rem
}

// MultiEstimator combines several estimators with different salts. The
// estimate is the average over the estimators both sides have.
type MultiEstimator struct {
	params     Params
	estimators []*Estimator
}

// NewMultiEstimator creates n empty estimators salted 0 to n-1.
func NewMultiEstimator(p Params, n int) (*MultiEstimator, error) {
	if n < 1 || n > MaxEstimators {
		return nil, fmt.Errorf("strata: bad estimator count %d", n)
	}
	m := &MultiEstimator{params: p, estimators: make([]*Estimator, n)}
	for i := range m.estimators {
		e, err := NewEstimator(p, uint32(i))
		if err != nil {
			return nil, err
		}
		m.estimators[i] = e
	}
	return m, nil
}

// Params returns the estimator geometry.
func (m *MultiEstimator) Params() Params {
	return m.params
}

// Len returns the number of estimators.
func (m *MultiEstimator) Len() int {
	return len(m.estimators)
}

// Insert adds the key to every estimator.
func (m *MultiEstimator) Insert(k ibf.Key) {
	for _, e := range m.estimators {
		e.Insert(k)
	}
}

// Remove removes the key from every estimator.
func (m *MultiEstimator) Remove(k ibf.Key) {
	for _, e := range m.estimators {
		e.Remove(k)
	}
}

// Clone returns an independent copy.
func (m *MultiEstimator) Clone() *MultiEstimator {
	c := &MultiEstimator{params: m.params, estimators: make([]*Estimator, len(m.estimators))}
	for i, e := range m.estimators {
		c.estimators[i] = e.Clone()
	}
	return c
}

// Difference returns the averaged estimate of keys only in m and only in
// remote, rounded up.
func (m *MultiEstimator) Difference(remote *MultiEstimator) (localSurplus, remoteSurplus int) {
	n := min(len(m.estimators), len(remote.estimators))
	var local, rem int
	for i := range n {
		l, r := m.estimators[i].Difference(remote.estimators[i])
		local += l
		rem += r
	}
	return (local + n - 1) / n, (rem + n - 1) / n
}

// EstimatorCount returns how many estimators are worth sending for a set
// with count elements of the given average size in bytes.
func EstimatorCount(avgElementSize, count uint64) int {
	base := avgElementSize * count
	switch {
	case base < 67_000:
		return 1
	case base < 6_700_000:
		return 2
	default:
		return MaxEstimators
	}
}
