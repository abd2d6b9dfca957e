package machine

import "math"

// A Table maps non-nil keys to values through a hybrid representation: a
// dense array part for the integer range 1..n and a hash part with chained
// collision resolution for everything else. Assigning nil to a key deletes
// it; in the hash part the node is tombstoned (marked dead, key kept) so
// that iteration surviving deletion is well defined. Each table optionally
// points to a metatable.
type Table struct {
	objHeader
	array   []Value
	nodes   []tnode
	buckets []int32 // chain heads into nodes, length is a power of two
	meta    *Table
}

type tnode struct {
	key  Value
	val  Value
	next int32 // next node in the same bucket, -1 terminates
	dead bool
}

// NewTable creates a table registered with the collector. The hints
// pre-size the array and hash parts.
func (s *State) NewTable(arrayHint, hashHint int) *Table {
	t := &Table{}
	if arrayHint > 0 {
		t.array = make([]Value, 0, arrayHint)
	}
	if hashHint > 0 {
		t.growBuckets(hashHint)
	}
	s.allocObject(t, sizeTable+arrayHint*16+hashHint*32)
	return t
}

// Metatable returns the table's metatable, or nil.
func (t *Table) Metatable() *Table { return t.meta }

// SetMetatable sets the table's metatable.
func (t *Table) SetMetatable(s *State, meta *Table) {
	if t.meta != nil {
		t.meta.release()
	}
	t.meta = meta
	if meta != nil {
		meta.addRef()
		s.gc.barrier(t, meta)
	}
}

// arrayIndex returns the 1-based array slot for the key, or 0 when the key
// does not address the array part.
func (t *Table) arrayIndex(k Value) int {
	if k.tag != TagNumber {
		return 0
	}
	i := int(k.num)
	if float64(i) == k.num && i >= 1 && i <= len(t.array) {
		return i
	}
	return 0
}

func (t *Table) findNode(k Value) int {
	if len(t.buckets) == 0 {
		return -1
	}
	h := valueHash(k) & uint32(len(t.buckets)-1)
	for i := t.buckets[h]; i >= 0; i = t.nodes[i].next {
		if t.nodes[i].key.Equals(k) {
			return int(i)
		}
	}
	return -1
}

// Get returns the raw value for the key, without metamethods. A nil key
// yields nil.
func (t *Table) Get(k Value) Value {
	if i := t.arrayIndex(k); i > 0 {
		return t.array[i-1]
	}
	if n := t.findNode(k); n >= 0 && !t.nodes[n].dead {
		return t.nodes[n].val
	}
	return Nil
}

// GetInt is Get for integer keys.
func (t *Table) GetInt(i int) Value { return t.Get(Number(float64(i))) }

// Set performs a raw write, without metamethods. Assigning nil deletes the
// key. The key must not be nil nor NaN; the caller validates.
func (t *Table) Set(s *State, k, v Value) {
	if i := t.arrayIndex(k); i > 0 {
		releaseValueRef(t.array[i-1])
		addValueRef(v)
		t.array[i-1] = v
		s.gc.barrierValue(t, v)
		return
	}

	// append to the array part, migrating any following integer keys out
	// of the hash part
	if k.tag == TagNumber && !v.IsNil() {
		if i := int(k.num); float64(i) == k.num && i == len(t.array)+1 {
			addValueRef(v)
			t.array = append(t.array, v)
			t.migrateFromHash(s)
			s.gc.barrierValue(t, v)
			return
		}
	}

	if n := t.findNode(k); n >= 0 {
		node := &t.nodes[n]
		releaseValueRef(node.val)
		if v.IsNil() {
			node.val = Nil
			node.dead = true
			return
		}
		addValueRef(v)
		node.val = v
		node.dead = false
		s.gc.barrierValue(t, v)
		return
	}

	if v.IsNil() {
		return // deleting an absent key
	}
	t.insertNode(k, v)
	addValueRef(k)
	addValueRef(v)
	s.gc.barrierValue(t, k)
	s.gc.barrierValue(t, v)
	s.noteTableGrowth(t)
}

// SetInt is Set for integer keys.
func (t *Table) SetInt(s *State, i int, v Value) { t.Set(s, Number(float64(i)), v) }

func (t *Table) insertNode(k, v Value) {
	if len(t.nodes) >= 2*len(t.buckets) {
		t.growBuckets(2*len(t.buckets) + 2)
	}
	idx := int32(len(t.nodes))
	h := valueHash(k) & uint32(len(t.buckets)-1)
	t.nodes = append(t.nodes, tnode{key: k, val: v, next: t.buckets[h]})
	t.buckets[h] = idx
}

func (t *Table) growBuckets(atLeast int) {
	size := 8
	for size < atLeast {
		size *= 2
	}
	t.buckets = make([]int32, size)
	for i := range t.buckets {
		t.buckets[i] = -1
	}
	for i := range t.nodes {
		h := valueHash(t.nodes[i].key) & uint32(size-1)
		t.nodes[i].next = t.buckets[h]
		t.buckets[h] = int32(i)
	}
}

// migrateFromHash moves the keys len(array)+1, len(array)+2, ... from the
// hash part into the array part after an append extended the array.
func (t *Table) migrateFromHash(s *State) {
	for {
		k := Number(float64(len(t.array) + 1))
		n := t.findNode(k)
		if n < 0 || t.nodes[n].dead {
			return
		}
		t.array = append(t.array, t.nodes[n].val)
		t.nodes[n].val = Nil
		t.nodes[n].dead = true
	}
}

// Len returns a border of the table: an n such that t[n] is non-nil and
// t[n+1] is nil, with the usual looseness when the array part has holes.
func (t *Table) Len() int {
	n := len(t.array)
	if n > 0 && !t.array[n-1].IsNil() {
		// full array part, the border may extend into the hash part
		for !t.GetInt(n + 1).IsNil() {
			n++
		}
		return n
	}
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if !t.array[mid-1].IsNil() {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// Next implements key iteration: given nil it returns the first pair, given
// a key it returns the following pair, and it returns a nil key after the
// last pair. The second return is false when the key is not present in the
// table. Iteration order is unspecified but stable between mutations, and
// deleting a key during traversal is safe.
func (t *Table) Next(k Value) (key, val Value, ok bool) {
	pos := 0
	if !k.IsNil() {
		if i := t.arrayIndex(k); i > 0 {
			pos = i
		} else {
			n := t.findNode(k)
			if n < 0 {
				return Nil, Nil, false
			}
			pos = len(t.array) + n + 1
		}
	}
	for ; pos < len(t.array); pos++ {
		if !t.array[pos].IsNil() {
			return Number(float64(pos + 1)), t.array[pos], true
		}
	}
	for i := pos - len(t.array); i < len(t.nodes); i++ {
		if n := &t.nodes[i]; !n.dead && !n.val.IsNil() {
			return n.key, n.val, true
		}
	}
	return Nil, Nil, true
}

func valueHash(v Value) uint32 {
	switch v.tag {
	case TagNumber:
		if v.num == 0 {
			return 0 // -0 and +0 are the same key
		}
		bits := math.Float64bits(v.num)
		return uint32(bits) ^ uint32(bits>>32)
	case TagString:
		return v.obj.(*String).hash
	case TagBoolean:
		return uint32(v.num) + 1
	case TagLightUserData:
		return 0 // rare as a key; falls back to chain scan
	}
	if v.obj != nil {
		return v.obj.header().id
	}
	return 0
}
