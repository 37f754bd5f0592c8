package setstore

import (
	"fmt"
	"iter"
	"slices"

	"github.com/spacemeshos/go-setunion/setsync/strata"
)

// Entry is a stored element.
type Entry struct {
	Element    Element
	Hash       ElementHash
	Generation uint64
}

// Set is a local set of elements. Each effective addition starts a new
// generation, and operations only see the elements at or below the
// generation they started at. Set is not safe for concurrent use.
type Set struct {
	entries    map[ElementHash]*Entry
	order      []*Entry
	generation uint64
	dataSize   uint64
	estimator  *strata.MultiEstimator
	refs       int
	destroyed  bool
}

// New creates an empty set with an estimator of the given geometry.
func New(p strata.Params) (*Set, error) {
	est, err := strata.NewMultiEstimator(p, strata.MaxEstimators)
	if err != nil {
		return nil, fmt.Errorf("create estimator: %w", err)
	}
	return &Set{
		entries:   make(map[ElementHash]*Entry),
		estimator: est,
	}, nil
}

// Add adds the element to the set. Adding an element that is already
// present is a no-op and returns false.
func (s *Set) Add(el Element) (bool, error) {
	if err := el.Validate(); err != nil {
		return false, err
	}
	h := el.Hash()
	if _, found := s.entries[h]; found {
		return false, nil
	}
	s.generation++
	e := &Entry{
		Element:    Element{Type: el.Type, Data: slices.Clone(el.Data)},
		Hash:       h,
		Generation: s.generation,
	}
	s.entries[h] = e
	s.order = append(s.order, e)
	s.dataSize += uint64(len(el.Data))
	s.estimator.Insert(h.Key())
	return true, nil
}

// Generation returns the current generation.
func (s *Set) Generation() uint64 {
	return s.generation
}

// Len returns the number of elements in the set.
func (s *Set) Len() int {
	return len(s.order)
}

// Get returns the element with the specified hash.
func (s *Set) Get(h ElementHash) (*Entry, bool) {
	e, found := s.entries[h]
	return e, found
}

// VisibleAt returns the element with the specified hash if it was added at
// or before gen.
func (s *Set) VisibleAt(h ElementHash, gen uint64) (*Entry, bool) {
	e, found := s.entries[h]
	if !found || e.Generation > gen {
		return nil, false
	}
	return e, true
}

// Elements iterates over the elements visible at gen in insertion order.
func (s *Set) Elements(gen uint64) iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		for _, e := range s.order {
			if e.Generation > gen {
				// entries are ordered by generation
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// AvgElementSize returns the average element data size.
func (s *Set) AvgElementSize() uint64 {
	if len(s.order) == 0 {
		return 0
	}
	return s.dataSize / uint64(len(s.order))
}

// Estimator returns a snapshot of the set's strata estimator.
func (s *Set) Estimator() *strata.MultiEstimator {
	return s.estimator.Clone()
}

// Acquire registers an operation using the set.
func (s *Set) Acquire() {
	s.refs++
}

// Release unregisters an operation. It returns true if the set was destroyed
// and is no longer used.
func (s *Set) Release() bool {
	if s.refs == 0 {
		panic("BUG: set released more times than acquired")
	}
	s.refs--
	return s.destroyed && s.refs == 0
}

// Refs returns the number of operations using the set.
func (s *Set) Refs() int {
	return s.refs
}

// Destroy marks the set as destroyed. It returns true if no operation uses
// the set and it can be freed right away.
func (s *Set) Destroy() bool {
	s.destroyed = true
	return s.refs == 0
}

// Destroyed returns true if Destroy was called.
func (s *Set) Destroyed() bool {
	return s.destroyed
}
