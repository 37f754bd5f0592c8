package setstore

import (
	"iter"

	"github.com/spacemeshos/go-setunion/setsync/ibf"
)

// KeyEntry is an element known to an operation.
type KeyEntry struct {
	Key     ibf.Key
	Hash    ElementHash
	Element Element
	// Received is set for elements the peer has sent us.
	Received bool
}

// KeyIndex maps IBF keys to the elements known to an operation. Entries are
// bucketed by the low 32 bits of the key; distinct elements may share a key.
type KeyIndex struct {
	chains map[uint32][]*KeyEntry
	n      int
}

// NewKeyIndex creates an empty index.
func NewKeyIndex() *KeyIndex {
	return &KeyIndex{chains: make(map[uint32][]*KeyEntry)}
}

// BuildKeyIndex indexes the elements of the set visible at gen.
func BuildKeyIndex(s *Set, gen uint64) *KeyIndex {
	ki := &KeyIndex{chains: make(map[uint32][]*KeyEntry, s.Len())}
	for e := range s.Elements(gen) {
		ki.Insert(e.Element, e.Hash, false)
	}
	return ki
}

// Insert adds the element to the index. If the element is already indexed,
// the existing entry is returned and fresh is false; received only ever
// sets the Received flag.
func (ki *KeyIndex) Insert(el Element, h ElementHash, received bool) (ke *KeyEntry, fresh bool) {
	if ke := ki.Lookup(h); ke != nil {
		ke.Received = ke.Received || received
		return ke, false
	}
	ke = &KeyEntry{Key: h.Key(), Hash: h, Element: el, Received: received}
	low := ke.Key.Low32()
	ki.chains[low] = append(ki.chains[low], ke)
	ki.n++
	return ke, true
}

// Lookup returns the entry for the element hash, or nil.
func (ki *KeyIndex) Lookup(h ElementHash) *KeyEntry {
	for _, ke := range ki.chains[h.Key().Low32()] {
		if ke.Hash == h {
			return ke
		}
	}
	return nil
}

// ByKey iterates over the entries with exactly the key k.
func (ki *KeyIndex) ByKey(k ibf.Key) iter.Seq[*KeyEntry] {
	return func(yield func(*KeyEntry) bool) {
		for _, ke := range ki.chains[k.Low32()] {
			if ke.Key == k && !yield(ke) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (ki *KeyIndex) Len() int {
	return ki.n
}

// All iterates over all the entries in no particular order.
func (ki *KeyIndex) All() iter.Seq[*KeyEntry] {
	return func(yield func(*KeyEntry) bool) {
		for _, chain := range ki.chains {
			for _, ke := range chain {
				if !yield(ke) {
					return
				}
			}
		}
	}
}
