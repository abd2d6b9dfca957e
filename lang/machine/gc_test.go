package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inAllList(s *State, obj Object) bool {
	for o := s.gc.all; o != nil; o = o.header().allNext {
		if o == obj {
			return true
		}
	}
	return false
}

func TestInternSameObject(t *testing.T) {
	s := testState(t)
	a := s.internString("hello world")
	b := s.internString("hello world")
	assert.Same(t, a, b)

	c := s.intern([]byte{'h', 'i', 0, 'x'}) // embedded NUL
	d := s.intern([]byte{'h', 'i', 0, 'x'})
	assert.Same(t, c, d)
	assert.Equal(t, 4, c.Len())
}

func TestCollectFreesUnreachableString(t *testing.T) {
	s := testState(t)
	str := s.internString("transient-string-value")
	require.True(t, inAllList(s, str))

	s.GCCollect()

	// the pool holds weak references: the unreachable string is gone and
	// re-interning produces a fresh object
	assert.False(t, inAllList(s, str))
	again := s.internString("transient-string-value")
	assert.NotSame(t, str, again)
}

func TestCollectKeepsStackReachable(t *testing.T) {
	s := testState(t)
	str := s.internString("rooted-string-value")
	s.Push(stringValue(str))

	s.GCCollect()

	assert.True(t, inAllList(s, str))
	assert.Same(t, str, s.internString("rooted-string-value"))
	s.Pop(1)
}

func TestCollectKeepsGlobalsReachable(t *testing.T) {
	s := testState(t)
	tbl := s.NewTable(0, 0)
	key := stringValue(s.internString("keep"))
	s.globals.Set(s, key, tableValue(tbl))
	inner := s.internString("inner-value")
	tbl.Set(s, stringValue(inner), Number(1))

	s.GCCollect()

	assert.True(t, inAllList(s, tbl))
	assert.True(t, inAllList(s, inner))

	s.globals.Set(s, key, Nil)
	s.GCCollect()
	assert.False(t, inAllList(s, tbl))
}

func TestCollectTwiceFreesNothingMore(t *testing.T) {
	s := testState(t)
	for i := 0; i < 100; i++ {
		s.internString("garbage-" + FormatNumber(float64(i)))
	}
	s.GCCollect()
	after1 := s.gc.totalBytes
	s.GCCollect()
	after2 := s.gc.totalBytes
	assert.Equal(t, after1, after2)
}

func TestCollectReclaimsCycles(t *testing.T) {
	s := testState(t)
	a := s.NewTable(0, 0)
	b := s.NewTable(0, 0)
	a.Set(s, Number(1), tableValue(b))
	b.Set(s, Number(1), tableValue(a))
	// the cycle keeps refcounts non-zero; tracing still reclaims it
	require.Greater(t, a.refCount, int32(0))

	s.GCCollect()
	assert.False(t, inAllList(s, a))
	assert.False(t, inAllList(s, b))
}

func TestYoungCollection(t *testing.T) {
	s := testState(t)
	s.GCStop()
	kept := s.internString("young-but-rooted")
	s.Push(stringValue(kept))
	dead := s.internString("young-and-free")
	require.True(t, dead.young)
	s.GCRestart()

	// a paused-state step runs the young collector
	require.Equal(t, gcPaused, s.gc.phase)
	s.gc.youngCollect(s)

	assert.True(t, inAllList(s, kept))
	assert.False(t, inAllList(s, dead))
	assert.False(t, kept.young) // promoted out of the young list
	s.Pop(1)
}

func TestYoungCollectionRefCountShortcut(t *testing.T) {
	s := testState(t)
	s.GCStop()
	owner := s.NewTable(0, 0)
	s.Push(tableValue(owner))
	owned := s.internString("young-owned-value")
	owner.Set(s, Number(1), stringValue(owned))
	s.GCRestart()

	// owned is not a root, but its refcount marks it definitely live
	s.gc.youngCollect(s)
	assert.True(t, inAllList(s, owned))
	s.Pop(1)
}

func TestWriteBarrierReGreysBlackParent(t *testing.T) {
	s := testState(t)
	s.GCStop()
	defer s.GCRestart()

	parent := s.NewTable(0, 0)
	s.Push(tableValue(parent))

	// run a cycle up to the end of propagation: parent is black
	s.gc.phase = gcStart
	s.gc.startCycle(s)
	s.gc.phase = gcPropagate
	for s.gc.grey != nil {
		s.gc.blacken(s, s.gc.popGrey())
	}
	require.Equal(t, colorBlack, parent.color)

	// a new object stored into the black parent must survive the sweep
	child := s.NewTable(0, 0)
	require.Equal(t, colorWhite, child.color)
	parent.Set(s, Number(1), tableValue(child))

	s.gc.phase = gcFinish
	s.gc.finishCycle(s)

	assert.True(t, inAllList(s, child))
	assert.Equal(t, gcPaused, s.gc.phase)
	s.Pop(1)
}

func TestAllocDuringFinishIsBlack(t *testing.T) {
	s := testState(t)
	s.GCStop()
	defer s.GCRestart()

	s.gc.phase = gcFinish
	obj := s.NewTable(0, 0)
	assert.Equal(t, colorBlack, obj.color)
	s.gc.phase = gcPaused
}

func TestUpValueSharingAndClose(t *testing.T) {
	s := testState(t)
	s.Push(Number(11))
	slot := s.top - 1

	uv1 := s.findOrCreateUpValue(slot)
	uv2 := s.findOrCreateUpValue(slot)
	assert.Same(t, uv1, uv2, "closures over the same slot share the cell")
	assert.True(t, uv1.isOpen())
	assert.Equal(t, 11.0, uv1.get(s).Num())

	// writes through the open cell hit the stack slot
	uv1.set(s, Number(22))
	assert.Equal(t, 22.0, s.stack[slot].Num())

	s.closeUpValues(slot)
	assert.False(t, uv1.isOpen())
	assert.Equal(t, 22.0, uv1.get(s).Num())
	assert.Nil(t, s.openUpVals)

	// the stack slot is now independent of the cell
	s.stack[slot] = Number(33)
	assert.Equal(t, 22.0, uv1.get(s).Num())

	// a new capture of the slot creates a fresh cell
	uv3 := s.findOrCreateUpValue(slot)
	assert.NotSame(t, uv1, uv3)
	s.Pop(1)
}

func TestOpenUpValueIsGCRoot(t *testing.T) {
	s := testState(t)
	str := s.internString("held-by-upvalue")
	s.Push(stringValue(str))
	uv := s.findOrCreateUpValue(s.top - 1)

	// while open, the upvalue lives on the open list and its backing slot
	// is a stack root
	s.GCCollect()
	assert.True(t, inAllList(s, uv))
	assert.True(t, inAllList(s, str))

	// once closed and unreferenced by any closure, the cell is garbage
	s.closeUpValues(s.top - 1)
	s.Pop(1)
	s.GCCollect()
	assert.False(t, inAllList(s, uv))
}

func TestGCCountAndTunables(t *testing.T) {
	s := testState(t)
	kb, bytes := s.GCCount()
	assert.True(t, kb >= 0 && bytes >= 0 && bytes < 1024)

	old := s.GCSetPause(150)
	assert.Equal(t, defaultGCPause, old)
	assert.Equal(t, 150, s.GCSetPause(200))

	oldMul := s.GCSetStepMul(300)
	assert.Equal(t, defaultGCStepMul, oldMul)
}
