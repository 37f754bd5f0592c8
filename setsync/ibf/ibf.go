// Package ibf implements invertible Bloom filters over 64-bit keys.
package ibf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

const (
	// MaxHashNum is the maximum number of buckets a key is stored in.
	MaxHashNum = 16
	// MaxSize is the maximum number of buckets in a filter.
	MaxSize = 1 << 24
	// bucketFixedSize is the size of the key_sum and key_hash fields of a
	// serialized bucket.
	bucketFixedSize = 8 + 4
)

var (
	// ErrDecodeFailed is returned when the filter contains no pure bucket
	// but is not empty.
	ErrDecodeFailed = errors.New("ibf: decode failed")
	// ErrInvalidGeometry is returned for an unusable size or hash count.
	ErrInvalidGeometry = errors.New("ibf: invalid geometry")
	// ErrInvalidWidth is returned for an unsupported count width.
	ErrInvalidWidth = errors.New("ibf: invalid count width")
)

// Side tells which side of a difference a decoded key belongs to.
type Side int8

const (
	// SideRemote means the key is present only in the subtrahend.
	SideRemote Side = -1
	// SideNone is returned when the filter is empty.
	SideNone Side = 0
	// SideLocal means the key is present only in the minuend.
	SideLocal Side = 1
)

func (s Side) String() string {
	switch s {
	case SideRemote:
		return "remote"
	case SideLocal:
		return "local"
	default:
		return "none"
	}
}

type bucket struct {
	keySum  Key
	keyHash uint32
	count   int64
}

func (b *bucket) empty() bool {
	return b.keySum == 0 && b.keyHash == 0 && b.count == 0
}

// IBF is an invertible Bloom filter. It is not safe for concurrent use.
type IBF struct {
	hashNum int
	buckets []bucket
	scratch []int
}

// New creates an empty filter with size buckets, storing each key in
// hashNum distinct buckets.
func New(size, hashNum int) (*IBF, error) {
	if hashNum < 1 || hashNum > MaxHashNum || size < hashNum {
		return nil, fmt.Errorf("%w: size %d, hash num %d", ErrInvalidGeometry, size, hashNum)
	}
	if size > MaxSize {
		return nil, fmt.Errorf("%w: size %d exceeds %d", ErrInvalidGeometry, size, MaxSize)
	}
	return &IBF{
		hashNum: hashNum,
		buckets: make([]bucket, size),
		scratch: make([]int, 0, hashNum),
	}, nil
}

// Size returns the number of buckets.
func (f *IBF) Size() int {
	return len(f.buckets)
}

// HashNum returns the number of buckets each key is stored in.
func (f *IBF) HashNum() int {
	return f.hashNum
}

// Clone returns an independent copy of the filter.
func (f *IBF) Clone() *IBF {
	return &IBF{
		hashNum: f.hashNum,
		buckets: slices.Clone(f.buckets),
		scratch: make([]int, 0, f.hashNum),
	}
}

func checksum(k Key) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k))
	return uint32(xxhash.Sum64(buf[:]))
}

// indices returns hashNum distinct bucket indices for the key. The returned
// slice is only valid until the next call.
func (f *IBF) indices(k Key) []int {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(k))
	size := uint64(len(f.buckets))
	idxs := f.scratch[:0]
	for seed := uint32(1); len(idxs) < f.hashNum; seed++ {
		binary.BigEndian.PutUint32(buf[8:], seed)
		idx := int(xxhash.Sum64(buf[:]) % size)
		if !slices.Contains(idxs, idx) {
			idxs = append(idxs, idx)
		}
	}
	f.scratch = idxs
	return idxs
}

func (f *IBF) apply(k Key, delta int64) {
	cs := checksum(k)
	for _, idx := range f.indices(k) {
		b := &f.buckets[idx]
		b.keySum ^= k
		b.keyHash ^= cs
		b.count += delta
	}
}

// Insert adds the key to the filter.
func (f *IBF) Insert(k Key) {
	f.apply(k, 1)
}

// Remove removes the key from the filter. Removing a key that was never
// inserted makes it show up on the remote side when decoding.
func (f *IBF) Remove(k Key) {
	f.apply(k, -1)
}

// Subtract subtracts other from f bucket by bucket. Both filters must have
// the same size and hash count.
func (f *IBF) Subtract(other *IBF) {
	if len(f.buckets) != len(other.buckets) || f.hashNum != other.hashNum {
		panic(fmt.Sprintf("BUG: subtracting IBF of size %d/%d from IBF of size %d/%d",
			len(other.buckets), other.hashNum, len(f.buckets), f.hashNum))
	}
	for i := range f.buckets {
		b := &f.buckets[i]
		o := &other.buckets[i]
		b.keySum ^= o.keySum
		b.keyHash ^= o.keyHash
		b.count -= o.count
	}
}

// IsEmpty returns true if all the buckets are zero.
func (f *IBF) IsEmpty() bool {
	for i := range f.buckets {
		if !f.buckets[i].empty() {
			return false
		}
	}
	return true
}

// DecodeOne extracts a single key from a pure bucket and removes it from
// the filter. It returns SideNone with a nil error if the filter is empty,
// and ErrDecodeFailed if no pure bucket is left.
func (f *IBF) DecodeOne() (Key, Side, error) {
	for i := range f.buckets {
		b := &f.buckets[i]
		if b.count != 1 && b.count != -1 {
			continue
		}
		if checksum(b.keySum) != b.keyHash {
			continue
		}
		k := b.keySum
		side := Side(b.count)
		f.apply(k, -b.count)
		return k, side, nil
	}
	if f.IsEmpty() {
		return 0, SideNone, nil
	}
	return 0, SideNone, ErrDecodeFailed
}

// CountWidth returns the minimal number of bytes, one of 1, 2, 4 or 8, that
// can hold every bucket count as a signed integer.
func (f *IBF) CountWidth() int {
	width := 1
	for i := range f.buckets {
		c := f.buckets[i].count
		switch {
		case c >= -1<<7 && c < 1<<7:
		case c >= -1<<15 && c < 1<<15:
			width = max(width, 2)
		case c >= -1<<31 && c < 1<<31:
			width = max(width, 4)
		default:
			return 8
		}
	}
	return width
}

// ValidWidth returns true if width is a supported count width.
func ValidWidth(width int) bool {
	switch width {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// BucketSize returns the serialized size of a bucket with the given count
// width.
func BucketSize(width int) int {
	return bucketFixedSize + width
}

// WriteSlice appends n buckets starting at start to dst, encoding counts with
// the given width. Counts that don't fit the width are truncated.
func (f *IBF) WriteSlice(dst []byte, start, n, width int) []byte {
	if !ValidWidth(width) {
		panic(fmt.Sprintf("BUG: bad count width %d", width))
	}
	if start < 0 || n < 0 || start+n > len(f.buckets) {
		panic(fmt.Sprintf("BUG: bucket range [%d, %d) out of bounds for size %d",
			start, start+n, len(f.buckets)))
	}
	for _, b := range f.buckets[start : start+n] {
		dst = binary.BigEndian.AppendUint64(dst, uint64(b.keySum))
		dst = binary.BigEndian.AppendUint32(dst, b.keyHash)
		switch width {
		case 1:
			dst = append(dst, byte(int8(b.count)))
		case 2:
			dst = binary.BigEndian.AppendUint16(dst, uint16(int16(b.count)))
		case 4:
			dst = binary.BigEndian.AppendUint32(dst, uint32(int32(b.count)))
		case 8:
			dst = binary.BigEndian.AppendUint64(dst, uint64(b.count))
		}
	}
	return dst
}

// ReadSlice overwrites n buckets starting at start with buckets decoded from
// src, which must hold exactly n buckets.
func (f *IBF) ReadSlice(src []byte, start, n, width int) error {
	if !ValidWidth(width) {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	bs := BucketSize(width)
	if len(src) != n*bs {
		return fmt.Errorf("ibf: %d bytes can't hold %d buckets of size %d", len(src), n, bs)
	}
	if start < 0 || n < 0 || start+n > len(f.buckets) {
		return fmt.Errorf("ibf: bucket range [%d, %d) out of bounds for size %d",
			start, start+n, len(f.buckets))
	}
	for i := range n {
		p := src[i*bs : (i+1)*bs]
		b := &f.buckets[start+i]
		b.keySum = Key(binary.BigEndian.Uint64(p))
		b.keyHash = binary.BigEndian.Uint32(p[8:])
		p = p[bucketFixedSize:]
		switch width {
		case 1:
			b.count = int64(int8(p[0]))
		case 2:
			b.count = int64(int16(binary.BigEndian.Uint16(p)))
		case 4:
			b.count = int64(int32(binary.BigEndian.Uint32(p)))
		case 8:
			b.count = int64(binary.BigEndian.Uint64(p))
		}
	}
	return nil
}
