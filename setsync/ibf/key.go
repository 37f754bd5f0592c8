package ibf

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/spacemeshos/go-setunion/hash"
)

const keyContext = "setunion ibf key v1"

// Key is the 64-bit identifier of a set element used in IBF buckets.
// Different elements may share a key.
type Key uint64

// KeyFromHash derives the IBF key of an element from its hash.
func KeyFromHash(h []byte) Key {
	var out [8]byte
	hash.DeriveKey(keyContext, h, out[:])
	return Key(binary.BigEndian.Uint64(out[:]))
}

// Low32 returns the lower 32 bits of the key, used for bucketing key
// indices.
func (k Key) Low32() uint32 {
	return uint32(k)
}

func (k Key) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

// Salt returns the key rotated left by salt%64 bits.
func Salt(k Key, salt uint32) Key {
	return Key(bits.RotateLeft64(uint64(k), int(salt%64)))
}

// Unsalt reverts Salt.
func Unsalt(k Key, salt uint32) Key {
	return Key(bits.RotateLeft64(uint64(k), -int(salt%64)))
}
