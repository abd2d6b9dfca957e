package machine

import (
	"io"
	"os"
)

const (
	// maxStackSlots bounds the value stack of a state; extraStack is the
	// slack available beyond it for metamethod calls and host pushes.
	maxStackSlots = 8000
	extraStack    = 256

	// DefaultMaxCallDepth is the default bound on nested calls.
	DefaultMaxCallDepth = 200

	// maxMetaDepth bounds __index/__newindex chains to detect loops.
	maxMetaDepth = 100
)

// metamethod indices into the pre-interned tag method name table
type tagMethod int

const (
	tmIndex tagMethod = iota
	tmNewIndex
	tmCall
	tmAdd
	tmSub
	tmMul
	tmDiv
	tmMod
	tmPow
	tmUnm
	tmEq
	tmLt
	tmLe
	tmConcat
	tmLen
	numTagMethods
)

var tagMethodNames = [...]string{
	tmIndex:    "__index",
	tmNewIndex: "__newindex",
	tmCall:     "__call",
	tmAdd:      "__add",
	tmSub:      "__sub",
	tmMul:      "__mul",
	tmDiv:      "__div",
	tmMod:      "__mod",
	tmPow:      "__pow",
	tmUnm:      "__unm",
	tmEq:       "__eq",
	tmLt:       "__lt",
	tmLe:       "__le",
	tmConcat:   "__concat",
	tmLen:      "__len",
}

// Config carries the tunables of a state.
type Config struct {
	// MaxCallDepth bounds the call-frame stack. Zero means
	// DefaultMaxCallDepth.
	MaxCallDepth int `env:"MAX_CALL_DEPTH"`

	// GCPause is the percentage growth of the allocation threshold after a
	// full collection (default 200: wait for a doubling).
	GCPause int `env:"GC_PAUSE"`

	// GCStepMul scales the work done per incremental collection step
	// (default 200).
	GCStepMul int `env:"GC_STEP_MUL"`

	// Stdout and Stderr are the standard output abstractions; unprotected
	// errors print to Stderr. If nil, os.Stdout and os.Stderr are used.
	Stdout io.Writer
	Stderr io.Writer
}

// A callFrame records one activation: the callee, the slot of the callee
// value, the register window base, the instruction pointer for scripted
// frames, the count of stashed varargs immediately below the base, and the
// number of results the caller requested.
type callFrame struct {
	closure  *Closure
	fnSlot   int
	base     int
	ip       int
	nVarargs int
	nResults int
}

// A State is a single interpreter instance: the value stack, the call-frame
// stack, the open-upvalue list, the string pool, the global and registry
// tables, the per-type default metatables and the collector. All operations
// on one state must be serialized externally; independent states share
// nothing.
type State struct {
	cfg Config

	stack []Value
	top   int

	frames []callFrame

	openUpVals *UpValue
	pool       *stringPool
	globals    *Table
	registry   *Table
	typeMeta   [numTags]*Table
	tmNames    [numTagMethods]*String

	gc     gcState
	nextID uint32

	stdout io.Writer
	stderr io.Writer

	closed bool
}

// NewState creates a state with default configuration.
func NewState() *State { return NewStateWith(Config{}) }

// NewStateWith creates a state with the given configuration.
func NewStateWith(cfg Config) *State {
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	if cfg.GCPause <= 0 {
		cfg.GCPause = defaultGCPause
	}
	if cfg.GCStepMul <= 0 {
		cfg.GCStepMul = defaultGCStepMul
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	s := &State{
		cfg:    cfg,
		stack:  make([]Value, maxStackSlots+extraStack),
		frames: make([]callFrame, 0, cfg.MaxCallDepth),
		pool:   newStringPool(),
		stdout: cfg.Stdout,
		stderr: cfg.Stderr,
	}
	s.gc.init(cfg.GCPause, cfg.GCStepMul)
	s.globals = s.NewTable(0, 32)
	s.globals.addRef()
	s.registry = s.NewTable(0, 8)
	s.registry.addRef()
	for tm := tagMethod(0); tm < numTagMethods; tm++ {
		s.tmNames[tm] = s.internString(tagMethodNames[tm])
		s.tmNames[tm].addRef()
	}
	return s
}

// Close tears down the state, releasing every collectable object. The state
// must not be used afterwards.
func (s *State) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.top = 0
	s.frames = s.frames[:0]
	s.openUpVals = nil
	s.globals = nil
	s.registry = nil
	for i := range s.typeMeta {
		s.typeMeta[i] = nil
	}
	for i := range s.tmNames {
		s.tmNames[i] = nil
	}
	s.gc.freeAll(s)
	s.pool = newStringPool()
}

// Globals returns the global table.
func (s *State) Globals() *Table { return s.globals }

// Registry returns the registry table, a host-reserved table never exposed
// to scripts.
func (s *State) Registry() *Table { return s.registry }

// TypeMetatable returns the default metatable of a value tag (used for
// values that cannot carry their own, such as strings), or nil.
func (s *State) TypeMetatable(tag Tag) *Table { return s.typeMeta[tag] }

// SetTypeMetatable sets the default metatable for a value tag.
func (s *State) SetTypeMetatable(tag Tag, meta *Table) {
	if old := s.typeMeta[tag]; old != nil {
		old.release()
	}
	s.typeMeta[tag] = meta
	if meta != nil {
		meta.addRef()
	}
}

// metatableOf returns the metatable governing the value: the value's own
// table for tables and userdata, the per-type default otherwise.
func (s *State) metatableOf(v Value) *Table {
	switch v.tag {
	case TagTable:
		return v.Table().meta
	case TagUserData:
		return v.UserData().meta
	}
	return s.typeMeta[v.tag]
}

// metamethod returns the named metamethod of the value, or nil.
func (s *State) metamethod(v Value, tm tagMethod) Value {
	meta := s.metatableOf(v)
	if meta == nil {
		return Nil
	}
	return meta.Get(stringValue(s.tmNames[tm]))
}

func (s *State) currentFrame() *callFrame {
	if len(s.frames) == 0 {
		return nil
	}
	return &s.frames[len(s.frames)-1]
}

func (s *State) pushFrame(fr callFrame) *callFrame {
	if len(s.frames) >= s.cfg.MaxCallDepth {
		s.RuntimeError("call stack overflow")
	}
	s.frames = append(s.frames, fr)
	return &s.frames[len(s.frames)-1]
}

func (s *State) popFrame() {
	s.frames = s.frames[:len(s.frames)-1]
}

// checkStack verifies that n more slots fit on the value stack.
func (s *State) checkStack(n int) {
	if s.top+n > len(s.stack) {
		s.RuntimeError("stack overflow")
	}
}

// setRangeNil clears the stack slots in [from, to).
func (s *State) setRangeNil(from, to int) {
	for i := from; i < to; i++ {
		s.stack[i] = Nil
	}
}

// allocObject registers a newly created object with the collector; see
// gc.go for coloring and accounting rules. Objects are installed fully
// before any further allocation can run, so a collection step never
// observes a partially constructed object.
func (s *State) allocObject(obj Object, size int) {
	s.nextID++
	h := obj.header()
	h.id = s.nextID
	h.size = size
	s.gc.register(s, obj)
}

// noteTableGrowth accounts hash-part growth of a table.
func (s *State) noteTableGrowth(t *Table) {
	t.size += 32
	s.gc.totalBytes += 32
}
