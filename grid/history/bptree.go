// Package history implements the durable historical store: an order-m
// B+tree keyed by (timestamp, entity id) with linked leaves for ascending
// range scans, backed by a paged append-only file tolerant of a truncated
// trailing write.
package history

import "math"

// Record is one immutable historical observation. Records are only ever
// appended; they are superseded by newer timestamps or removed by explicit
// retention compaction, never updated in place.
type Record struct {
	Timestamp int64
	Entity    int64
	Value     float64
}

// Key returns the tree key of the record.
func (r Record) Key() Key {
	return Key{Timestamp: r.Timestamp, Entity: r.Entity}
}

// Key orders records by (timestamp, entity id).
type Key struct {
	Timestamp int64
	Entity    int64
}

// Less orders keys by timestamp, then entity id.
func (k Key) Less(o Key) bool {
	if k.Timestamp != o.Timestamp {
		return k.Timestamp < o.Timestamp
	}
	return k.Entity < o.Entity
}

const nilPage = int32(-1)

// page is one node of the tree, held in a flat arena and addressed by
// index. Internal pages carry only separator keys; data lives in leaves,
// which are chained via next for range scans.
type page struct {
	leaf     bool
	keys     []Key
	children []int32   // internal pages: len(keys)+1 child indexes
	values   []float64 // leaf pages: one value per key
	next     int32     // leaf chain, nilPage at the end
}

// Tree is an in-memory order-m B+tree. Every internal page except the root
// keeps between ceil(m/2) and m children; leaves keep at most m-1 records.
// The leaf chain enumerates every inserted record in key order.
type Tree struct {
	pages []page
	root  int32
	order int
	count int
}

// MinOrder is the smallest supported branching factor.
const MinOrder = 3

// NewTree returns an empty tree with the given order (max children per
// internal page). Panics below MinOrder, which is a configuration bug.
func NewTree(order int) *Tree {
	if order < MinOrder {
		panic("history.NewTree: order must be >= 3")
	}
	t := &Tree{root: nilPage, order: order}
	t.root = t.alloc(true)
	return t
}

// Order returns the configured branching factor.
func (t *Tree) Order() int { return t.order }

// Len returns the number of records held.
func (t *Tree) Len() int { return t.count }

func (t *Tree) alloc(leaf bool) int32 {
	t.pages = append(t.pages, page{leaf: leaf, next: nilPage})
	return int32(len(t.pages) - 1)
}

// Insert adds a record in sorted position. Inserting a record with an
// existing key overwrites its value, which keeps re-flushed samples
// idempotent on reload.
func (t *Tree) Insert(rec Record) {
	sep, right, split := t.insert(t.root, rec)
	if split {
		// Root overflow: grow a new root with two children.
		newRoot := t.alloc(false)
		t.pages[newRoot].keys = []Key{sep}
		t.pages[newRoot].children = []int32{t.root, right}
		t.root = newRoot
	}
}

// insert descends to the target leaf. When a child splits, the separator
// key and the new right sibling bubble up; the caller inserts them.
func (t *Tree) insert(pi int32, rec Record) (Key, int32, bool) {
	p := &t.pages[pi]
	if p.leaf {
		return t.insertLeaf(pi, rec)
	}
	i := t.childIndex(p, rec.Key())
	sep, right, split := t.insert(p.children[i], rec)
	if !split {
		return Key{}, nilPage, false
	}
	p = &t.pages[pi] // re-take: the arena may have grown
	p.keys = insertKeyAt(p.keys, i, sep)
	p.children = insertChildAt(p.children, i+1, right)
	if len(p.children) <= t.order {
		return Key{}, nilPage, false
	}
	return t.splitInternal(pi)
}

func (t *Tree) insertLeaf(pi int32, rec Record) (Key, int32, bool) {
	p := &t.pages[pi]
	k := rec.Key()
	i := 0
	for i < len(p.keys) && p.keys[i].Less(k) {
		i++
	}
	if i < len(p.keys) && p.keys[i] == k {
		p.values[i] = rec.Value
		return Key{}, nilPage, false
	}
	p.keys = insertKeyAt(p.keys, i, k)
	p.values = insertValueAt(p.values, i, rec.Value)
	t.count++
	if len(p.keys) < t.order {
		return Key{}, nilPage, false
	}
	return t.splitLeaf(pi)
}

// splitLeaf moves the upper half of a full leaf into a new right sibling
// and copies the sibling's first key up as the separator. Leaves keep all
// records; separators in internal pages are routing information only.
func (t *Tree) splitLeaf(pi int32) (Key, int32, bool) {
	ri := t.alloc(true)
	p := &t.pages[pi]
	r := &t.pages[ri]
	mid := len(p.keys) / 2
	r.keys = append(r.keys, p.keys[mid:]...)
	r.values = append(r.values, p.values[mid:]...)
	p.keys = p.keys[:mid]
	p.values = p.values[:mid]
	r.next = p.next
	p.next = ri
	return r.keys[0], ri, true
}

// splitInternal promotes the median separator to the parent; unlike the
// leaf split the median does not stay in either half.
func (t *Tree) splitInternal(pi int32) (Key, int32, bool) {
	ri := t.alloc(false)
	p := &t.pages[pi]
	r := &t.pages[ri]
	mid := len(p.keys) / 2
	sep := p.keys[mid]
	r.keys = append(r.keys, p.keys[mid+1:]...)
	r.children = append(r.children, p.children[mid+1:]...)
	p.keys = p.keys[:mid]
	p.children = p.children[:mid+1]
	return sep, ri, true
}

// childIndex picks the child subtree for key k.
func (t *Tree) childIndex(p *page, k Key) int {
	i := 0
	for i < len(p.keys) && !k.Less(p.keys[i]) {
		i++
	}
	return i
}

// Scan returns every record with t1 <= timestamp <= t2 in ascending key
// order, regardless of insertion order or intervening page splits. It walks
// down to the first qualifying leaf, then follows the leaf chain.
func (t *Tree) Scan(t1, t2 int64) []Record {
	if t2 < t1 {
		return nil
	}
	start := Key{Timestamp: t1, Entity: math.MinInt64}
	pi := t.root
	for !t.pages[pi].leaf {
		p := &t.pages[pi]
		pi = p.children[t.childIndex(p, start)]
	}
	var out []Record
	for pi != nilPage {
		p := &t.pages[pi]
		for i, k := range p.keys {
			if k.Timestamp < t1 {
				continue
			}
			if k.Timestamp > t2 {
				return out
			}
			out = append(out, Record{Timestamp: k.Timestamp, Entity: k.Entity, Value: p.values[i]})
		}
		pi = p.next
	}
	return out
}

// All returns every record in key order.
func (t *Tree) All() []Record {
	return t.Scan(math.MinInt64+1, math.MaxInt64)
}

// checkInvariants verifies the structural invariants, returning false with
// a reason on the first violation. Exercised by tests.
func (t *Tree) checkInvariants() (bool, string) {
	min := (t.order + 1) / 2
	var walk func(pi int32, isRoot bool) (bool, string)
	walk = func(pi int32, isRoot bool) (bool, string) {
		p := &t.pages[pi]
		if p.leaf {
			return true, ""
		}
		if len(p.children) != len(p.keys)+1 {
			return false, "internal page child/key count mismatch"
		}
		if !isRoot && (len(p.children) < min || len(p.children) > t.order) {
			return false, "internal page outside [ceil(m/2), m] children"
		}
		for _, c := range p.children {
			if ok, why := walk(c, false); !ok {
				return ok, why
			}
		}
		return true, ""
	}
	return walk(t.root, true)
}

func insertKeyAt(s []Key, i int, k Key) []Key {
	s = append(s, Key{})
	copy(s[i+1:], s[i:])
	s[i] = k
	return s
}

func insertChildAt(s []int32, i int, c int32) []int32 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}

func insertValueAt(s []float64, i int, v float64) []float64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
