// Package hash computes the blake3 digests of elements and application ids.
package hash

import (
	"sync"

	"github.com/zeebo/blake3"
)

// Size is the length of a digest in bytes.
const Size = 32

var hashers = sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

// Sum computes the blake3 digest of the concatenation of chunks.
func Sum(chunks ...[]byte) (rst [Size]byte) {
	hh := hashers.Get().(*blake3.Hasher)
	defer func() {
		hh.Reset()
		hashers.Put(hh)
	}()
	for _, chunk := range chunks {
		hh.Write(chunk)
	}
	hh.Sum(rst[:0])
	return rst
}

// DeriveKey fills out with key material derived from material under the
// given context string.
func DeriveKey(context string, material, out []byte) {
	blake3.DeriveKey(context, material, out)
}
