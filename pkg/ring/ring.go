// Package ring is a consistent hash ring over peer ids. A ring is built once
// from a fixed member set and never mutated, so it can live inside an
// immutable membership snapshot and be read without locks.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
)

type Hasher func([]byte) uint32

const DefaultReplicas = 128

type HashRing struct {
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> member id
	members  map[string]struct{}
}

// New builds a ring holding ids, each placed at replicas virtual points.
// Colliding points keep the lexicographically smaller id so that two rings
// built from the same members agree regardless of input order.
func New(replicas int, h Hasher, ids ...string) *HashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if h == nil {
		h = FNV32a
	}
	r := &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string, len(ids)*replicas),
		members:  make(map[string]struct{}, len(ids)),
	}
	for _, id := range ids {
		if _, dup := r.members[id]; dup {
			continue
		}
		r.members[id] = struct{}{}
		for i := 0; i < replicas; i++ {
			pt := h(pointKey(id, i))
			if prev, taken := r.owners[pt]; taken {
				if id < prev {
					r.owners[pt] = id
				}
				continue
			}
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
	return r
}

// Lookup returns the member owning key, or "" on an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(key)]]
}

// first point >= hash(key), wrapping to 0
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
