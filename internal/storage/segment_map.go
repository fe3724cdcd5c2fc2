package storage

import (
	"math"
	"sync"

	"github.com/google/btree"
)

// segmentItem is the B-tree element: the base offset key plus its segment.
type segmentItem[S any] struct {
	key     int64
	segment S
}

// floorPolicy decides which absent keys getOrCreate refuses after cleaning.
type floorPolicy int

const (
	// refuseAtOrBelowFloor refuses every key at or below the highest removed
	// key. Schedule buckets behind retention are never reopened.
	refuseAtOrBelowFloor floorPolicy = iota

	// refuseRemoved refuses only keys that were removed. A dispatch bucket
	// below the floor may still need its first marker.
	refuseRemoved
)

// segmentMap is the ordered base offset -> segment map shared by both logs.
//
// Readers (append lookups, navigation, flush snapshots) take the read lock.
// Allocation and removal take the write lock, so two appends racing to open
// the same new bucket end up with one segment.
//
// The clean floor is the highest key ever removed, or a value seeded from a
// checkpoint. Which keys getOrCreate refuses depends on the policy, so a late
// append cannot resurrect a cleaned bucket.
type segmentMap[S any] struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[segmentItem[S]]
	policy  floorPolicy
	floor   int64
	removed map[int64]struct{}
}

func newSegmentMap[S any](policy floorPolicy) *segmentMap[S] {
	return &segmentMap[S]{
		tree: btree.NewG[segmentItem[S]](16, func(a, b segmentItem[S]) bool {
			return a.key < b.key
		}),
		policy:  policy,
		floor:   math.MinInt64,
		removed: make(map[int64]struct{}),
	}
}

func (m *segmentMap[S]) get(key int64) (S, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Get(segmentItem[S]{key: key})
	return item.segment, ok
}

// getOrCreate returns the segment for key, allocating it with create when
// absent. created reports whether this call allocated it.
func (m *segmentMap[S]) getOrCreate(key int64, create func() (S, error)) (seg S, created bool, err error) {
	if s, ok := m.get(key); ok {
		return s, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.tree.Get(segmentItem[S]{key: key}); ok {
		return item.segment, false, nil
	}
	if m.refuses(key) {
		return seg, false, ErrSegmentExpired
	}
	seg, err = create()
	if err != nil {
		return seg, false, err
	}
	m.tree.ReplaceOrInsert(segmentItem[S]{key: key, segment: seg})
	return seg, true, nil
}

// put inserts a loaded segment. Only used while opening a log.
func (m *segmentMap[S]) put(key int64, seg S) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(segmentItem[S]{key: key, segment: seg})
}

// remove deletes key and raises the clean floor. Keys above the highest
// existing key are left alone.
func (m *segmentMap[S]) remove(key int64) (S, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero S
	last, ok := m.tree.Max()
	if !ok || last.key < key {
		return zero, false
	}
	item, ok := m.tree.Delete(segmentItem[S]{key: key})
	if !ok {
		return zero, false
	}
	if key > m.floor {
		m.floor = key
	}
	if m.policy == refuseRemoved {
		m.removed[key] = struct{}{}
	}
	return item.segment, true
}

// refuses reports whether an absent key may not be allocated. Callers hold mu.
func (m *segmentMap[S]) refuses(key int64) bool {
	if m.policy == refuseRemoved {
		_, ok := m.removed[key]
		return ok
	}
	return key <= m.floor
}

// raiseFloor lifts the clean floor to key. It never lowers it.
func (m *segmentMap[S]) raiseFloor(key int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key > m.floor {
		m.floor = key
	}
}

// cleanFloor returns the highest removed key, math.MinInt64 if none.
func (m *segmentMap[S]) cleanFloor() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.floor
}

// higher returns the smallest key strictly greater than key, -1 if none.
func (m *segmentMap[S]) higher(key int64) int64 {
	if key == math.MaxInt64 {
		return -1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	next := int64(-1)
	m.tree.AscendGreaterOrEqual(segmentItem[S]{key: key + 1}, func(item segmentItem[S]) bool {
		next = item.key
		return false
	})
	return next
}

// lower returns the segment with the greatest key strictly below key.
func (m *segmentMap[S]) lower(key int64) (S, bool) {
	var (
		seg   S
		found bool
	)
	if key == math.MinInt64 {
		return seg, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.tree.DescendLessOrEqual(segmentItem[S]{key: key - 1}, func(item segmentItem[S]) bool {
		seg, found = item.segment, true
		return false
	})
	return seg, found
}

func (m *segmentMap[S]) last() (S, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Max()
	return item.segment, ok
}

func (m *segmentMap[S]) first() (S, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Min()
	return item.segment, ok
}

// keys returns every base offset in ascending order.
func (m *segmentMap[S]) keys() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, m.tree.Len())
	m.tree.Ascend(func(item segmentItem[S]) bool {
		out = append(out, item.key)
		return true
	})
	return out
}

// snapshot returns every segment in ascending key order.
func (m *segmentMap[S]) snapshot() []S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]S, 0, m.tree.Len())
	m.tree.Ascend(func(item segmentItem[S]) bool {
		out = append(out, item.segment)
		return true
	})
	return out
}

// below returns the segments with key strictly below limit, ascending.
func (m *segmentMap[S]) below(limit int64) []S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []S
	m.tree.Ascend(func(item segmentItem[S]) bool {
		if item.key >= limit {
			return false
		}
		out = append(out, item.segment)
		return true
	})
	return out
}

func (m *segmentMap[S]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// drain empties the map and returns what it held. Used on close.
func (m *segmentMap[S]) drain() []S {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]S, 0, m.tree.Len())
	m.tree.Ascend(func(item segmentItem[S]) bool {
		out = append(out, item.segment)
		return true
	})
	m.tree.Clear(false)
	return out
}
