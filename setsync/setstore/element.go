// Package setstore holds the elements of local sets and the per-operation
// key index.
package setstore

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/spacemeshos/go-setunion/hash"
	"github.com/spacemeshos/go-setunion/setsync/ibf"
)

// MaxElementSize is the maximum size of element data.
const MaxElementSize = math.MaxUint16

// ErrElementTooLarge is returned for elements with data exceeding
// MaxElementSize.
var ErrElementTooLarge = errors.New("element too large")

// ElementHash identifies an element.
type ElementHash [hash.Size]byte

func (h ElementHash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns an abbreviated hex form of the hash for logging.
func (h ElementHash) ShortString() string {
	return hex.EncodeToString(h[:5])
}

// Key returns the IBF key of the element with this hash.
func (h ElementHash) Key() ibf.Key {
	return ibf.KeyFromHash(h[:])
}

// Element is an opaque typed blob.
type Element struct {
	Type uint16
	Data []byte
}

// Validate checks the element size.
func (e Element) Validate() error {
	if len(e.Data) > MaxElementSize {
		return fmt.Errorf("%w: %d bytes", ErrElementTooLarge, len(e.Data))
	}
	return nil
}

// Hash returns the hash of the element type, size and data.
func (e Element) Hash() ElementHash {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[:], e.Type)
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(e.Data)))
	return hash.Sum(hdr[:], e.Data)
}
