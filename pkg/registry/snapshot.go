package registry

import (
	"cmp"
	"slices"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrmesh/pkg/ring"
)

// Snapshot is an immutable view of every known descriptor. Both indices are
// built together and never mutated, so readers always see one generation.
type Snapshot struct {
	generation uint64
	byID       map[uuid.UUID]Descriptor
	byType     map[string][]uuid.UUID
	rings      map[string]*ring.HashRing
	all        []uuid.UUID
}

var emptySnapshot = NewSnapshot(0, nil)

// NewSnapshot indexes descs. Per-type lists are ordered by service index,
// then id; the full list by type, then the same order.
func NewSnapshot(generation uint64, descs []Descriptor) *Snapshot {
	s := &Snapshot{
		generation: generation,
		byID:       make(map[uuid.UUID]Descriptor, len(descs)),
		byType:     make(map[string][]uuid.UUID),
		rings:      make(map[string]*ring.HashRing),
	}
	sorted := slices.Clone(descs)
	slices.SortFunc(sorted, func(a, b Descriptor) int {
		return cmp.Or(
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Index, b.Index),
			slices.Compare(a.ID[:], b.ID[:]),
		)
	})
	for _, d := range sorted {
		if _, dup := s.byID[d.ID]; dup {
			continue
		}
		s.byID[d.ID] = d
		s.byType[d.Type] = append(s.byType[d.Type], d.ID)
		s.all = append(s.all, d.ID)
	}
	for typ, ids := range s.byType {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = id.String()
		}
		s.rings[typ] = ring.New(ring.DefaultReplicas, ring.FNV32a, keys...)
	}
	return s
}

func (s *Snapshot) Generation() uint64 { return s.generation }

func (s *Snapshot) Len() int { return len(s.byID) }

func (s *Snapshot) Lookup(id uuid.UUID) (Descriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

func (s *Snapshot) Contains(id uuid.UUID) bool {
	_, ok := s.byID[id]
	return ok
}

// OfType returns a copy of the ids registered under typ.
func (s *Snapshot) OfType(typ string) []uuid.UUID {
	return slices.Clone(s.byType[typ])
}

// All returns a copy of every known id.
func (s *Snapshot) All() []uuid.UUID {
	return slices.Clone(s.all)
}

// Types lists the service types present, sorted.
func (s *Snapshot) Types() []string {
	out := make([]string, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Ring returns the consistent hash ring for typ, or nil when absent.
func (s *Snapshot) Ring(typ string) *ring.HashRing {
	return s.rings[typ]
}

// Diff reports ids present in s but not prev (joined) and in prev but not s (left).
func (s *Snapshot) Diff(prev *Snapshot) (joined, left []uuid.UUID) {
	for _, id := range s.all {
		if !prev.Contains(id) {
			joined = append(joined, id)
		}
	}
	for _, id := range prev.all {
		if !s.Contains(id) {
			left = append(left, id)
		}
	}
	return joined, left
}
