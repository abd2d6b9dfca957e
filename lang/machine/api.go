package machine

import (
	"fmt"
	"io"
	"os"

	"github.com/mna/lunes/lang/compiler"
)

// Pseudo-indices accepted wherever a stack index is: the registry table,
// the running function's environment table, and its captured upvalues.
const (
	RegistryIndex = -10000
	EnvIndex      = -10001
	GlobalsIndex  = -10002
)

// MultRet requests all results from a call.
const MultRet = -1

// UpValueIndex returns the pseudo-index of the i-th captured value (1-based)
// of the running host closure.
func UpValueIndex(i int) int { return GlobalsIndex - i }

func (s *State) hostBase() int {
	if fr := s.currentFrame(); fr != nil {
		return fr.base
	}
	return 0
}

// absSlot resolves a relative or absolute (non-pseudo) index to a stack
// slot, or -1 when out of range.
func (s *State) absSlot(idx int) int {
	if idx > 0 {
		slot := s.hostBase() + idx - 1
		if slot >= s.top {
			return -1
		}
		return slot
	}
	if idx > RegistryIndex {
		slot := s.top + idx
		if slot < s.hostBase() {
			return -1
		}
		return slot
	}
	return -1
}

// AbsIndex converts a relative index into an absolute one.
func (s *State) AbsIndex(idx int) int {
	if idx > 0 || idx <= RegistryIndex {
		return idx
	}
	return s.top + idx - s.hostBase() + 1
}

// ValueAt returns the value at the given index or pseudo-index; out-of-range
// indices yield nil.
func (s *State) ValueAt(idx int) Value {
	switch {
	case idx == RegistryIndex:
		return tableValue(s.registry)
	case idx == GlobalsIndex, idx == EnvIndex:
		if fr := s.currentFrame(); fr != nil && fr.closure != nil && fr.closure.env != nil {
			return tableValue(fr.closure.env)
		}
		return tableValue(s.globals)
	case idx < GlobalsIndex:
		i := GlobalsIndex - idx - 1
		if fr := s.currentFrame(); fr != nil && fr.closure != nil && i < len(fr.closure.captured) {
			return fr.closure.captured[i]
		}
		return Nil
	}
	if slot := s.absSlot(idx); slot >= 0 {
		return s.stack[slot]
	}
	return Nil
}

// setValueAt stores a value at an index or pseudo-index.
func (s *State) setValueAt(idx int, v Value) {
	switch {
	case idx == GlobalsIndex, idx == EnvIndex:
		if !v.IsTable() {
			s.RuntimeError("environment must be a table")
		}
		if fr := s.currentFrame(); fr != nil && fr.closure != nil {
			fr.closure.setEnv(s, v.Table())
			return
		}
		s.globals = v.Table()
		return
	case idx < GlobalsIndex:
		i := GlobalsIndex - idx - 1
		if fr := s.currentFrame(); fr != nil && fr.closure != nil && i < len(fr.closure.captured) {
			releaseValueRef(fr.closure.captured[i])
			addValueRef(v)
			fr.closure.captured[i] = v
			s.gc.barrierValue(fr.closure, v)
		}
		return
	case idx == RegistryIndex:
		s.RuntimeError("cannot replace the registry")
	}
	if slot := s.absSlot(idx); slot >= 0 {
		s.stack[slot] = v
		return
	}
	s.RuntimeError("invalid stack index %d", idx)
}

// ---- stack shape ----

// GetTop returns the index of the top element (the number of elements on
// the current frame's stack).
func (s *State) GetTop() int { return s.top - s.hostBase() }

// SetTop grows (with nils) or shrinks the stack to the given index.
func (s *State) SetTop(idx int) {
	base := s.hostBase()
	var newTop int
	if idx >= 0 {
		newTop = base + idx
		s.checkStack(newTop - s.top)
		for i := s.top; i < newTop; i++ {
			s.stack[i] = Nil
		}
	} else {
		newTop = s.top + idx + 1
	}
	s.setRangeNil(newTop, s.top)
	s.top = newTop
}

// Pop removes n elements from the stack.
func (s *State) Pop(n int) { s.SetTop(-n - 1) }

// Push pushes a Value.
func (s *State) Push(v Value) {
	s.checkStack(1)
	s.stack[s.top] = v
	s.top++
}

func (s *State) PushNil()             { s.Push(Nil) }
func (s *State) PushNumber(f float64) { s.Push(Number(f)) }
func (s *State) PushInteger(i int)    { s.Push(Number(float64(i))) }
func (s *State) PushBoolean(b bool)   { s.Push(Boolean(b)) }

func (s *State) PushString(str string) { s.Push(stringValue(s.internString(str))) }
func (s *State) PushBytes(b []byte)    { s.Push(stringValue(s.intern(b))) }

func (s *State) PushFString(format string, args ...interface{}) {
	s.PushString(fmt.Sprintf(format, args...))
}

// PushGoFunction pushes a host function with no captured values.
func (s *State) PushGoFunction(fn GoFunc) {
	s.Push(closureValue(s.newGoClosure(fn, nil, s.globals)))
}

// PushGoClosure pushes a host function capturing the top n values, which are
// popped.
func (s *State) PushGoClosure(fn GoFunc, n int) {
	captured := make([]Value, n)
	copy(captured, s.stack[s.top-n:s.top])
	s.Pop(n)
	s.Push(closureValue(s.newGoClosure(fn, captured, s.globals)))
}

func (s *State) PushLightUserData(p interface{}) { s.Push(LightUserData(p)) }

// PushNewUserData creates and pushes a userdata wrapping the host value.
func (s *State) PushNewUserData(data interface{}) {
	s.Push(userDataValue(s.NewUserData(data)))
}

// PushValue pushes a copy of the value at the given index.
func (s *State) PushValue(idx int) { s.Push(s.ValueAt(idx)) }

// Insert moves the top element into the given position, shifting up.
func (s *State) Insert(idx int) {
	slot := s.absSlot(idx)
	if slot < 0 {
		s.RuntimeError("invalid stack index %d", idx)
	}
	v := s.stack[s.top-1]
	copy(s.stack[slot+1:s.top], s.stack[slot:s.top-1])
	s.stack[slot] = v
}

// Remove removes the element at the given position, shifting down.
func (s *State) Remove(idx int) {
	slot := s.absSlot(idx)
	if slot < 0 {
		s.RuntimeError("invalid stack index %d", idx)
	}
	copy(s.stack[slot:s.top-1], s.stack[slot+1:s.top])
	s.top--
	s.stack[s.top] = Nil
}

// Replace pops the top element and stores it at the given index.
func (s *State) Replace(idx int) {
	v := s.stack[s.top-1]
	s.Pop(1)
	s.setValueAt(idx, v)
}

// ---- typed reads ----

// Type returns the type name of the value at the index.
func (s *State) Type(idx int) string { return s.ValueAt(idx).TypeName() }

// TagAt returns the tag of the value at the index.
func (s *State) TagAt(idx int) Tag { return s.ValueAt(idx).Tag() }

func (s *State) IsNil(idx int) bool      { return s.ValueAt(idx).IsNil() }
func (s *State) IsNumber(idx int) bool   { _, ok := ToNumberValue(s.ValueAt(idx)); return ok }
func (s *State) IsString(idx int) bool   { v := s.ValueAt(idx); return v.IsString() || v.IsNumber() }
func (s *State) IsTable(idx int) bool    { return s.ValueAt(idx).IsTable() }
func (s *State) IsFunction(idx int) bool { return s.ValueAt(idx).IsFunction() }

// ToNumber converts the value at the index to a number, coercing strings; 0
// when not convertible.
func (s *State) ToNumber(idx int) float64 {
	n, _ := ToNumberValue(s.ValueAt(idx))
	return n
}

// ToInteger converts to a number then truncates.
func (s *State) ToInteger(idx int) int { return int(s.ToNumber(idx)) }

// ToBoolean returns the truth of the value at the index.
func (s *State) ToBoolean(idx int) bool { return s.ValueAt(idx).Truth() }

// ToString returns the string at the index; a number is converted to a
// string in place. The second result is false for any other type.
func (s *State) ToString(idx int) (string, bool) {
	v := s.ValueAt(idx)
	switch v.tag {
	case TagString:
		return v.Str().String(), true
	case TagNumber:
		str := s.internString(FormatNumber(v.num))
		if slot := s.absSlot(idx); slot >= 0 {
			s.stack[slot] = stringValue(str)
		}
		return str.String(), true
	}
	return "", false
}

// ToUserData returns the host value of a userdata or light userdata at the
// index, nil otherwise.
func (s *State) ToUserData(idx int) interface{} {
	v := s.ValueAt(idx)
	switch v.tag {
	case TagUserData:
		return v.UserData().data
	case TagLightUserData:
		return v.lud
	}
	return nil
}

// ToGoFunction returns the host function at the index, or nil.
func (s *State) ToGoFunction(idx int) GoFunc {
	v := s.ValueAt(idx)
	if v.IsFunction() && v.Closure().IsGo() {
		return v.Closure().goFn
	}
	return nil
}

// RawEquals compares two indices without metamethods.
func (s *State) RawEquals(idx1, idx2 int) bool {
	return s.ValueAt(idx1).Equals(s.ValueAt(idx2))
}

// ---- tables ----

// PushNewTable creates a table with the given size hints and pushes it.
func (s *State) PushNewTable(narr, nrec int) {
	s.Push(tableValue(s.NewTable(narr, nrec)))
}

// GetTable pops the key and pushes t[key], honoring metamethods.
func (s *State) GetTable(idx int) {
	t := s.ValueAt(idx)
	k := s.stack[s.top-1]
	s.stack[s.top-1] = s.index(t, k)
}

// GetField pushes t[name], honoring metamethods.
func (s *State) GetField(idx int, name string) {
	t := s.ValueAt(idx)
	s.Push(s.index(t, stringValue(s.internString(name))))
}

// SetTable pops the key and value and performs t[key] = value, honoring
// metamethods.
func (s *State) SetTable(idx int) {
	t := s.ValueAt(idx)
	k, v := s.stack[s.top-2], s.stack[s.top-1]
	s.Pop(2)
	s.setIndex(t, k, v)
}

// SetField pops the value and performs t[name] = value, honoring
// metamethods.
func (s *State) SetField(idx int, name string) {
	t := s.ValueAt(idx)
	v := s.stack[s.top-1]
	s.Pop(1)
	s.setIndex(t, stringValue(s.internString(name)), v)
}

// RawGet is GetTable without metamethods.
func (s *State) RawGet(idx int) {
	t := s.ValueAt(idx)
	if !t.IsTable() {
		s.TypeError("index", t)
	}
	s.stack[s.top-1] = t.Table().Get(s.stack[s.top-1])
}

// RawGetI pushes t[i] without metamethods.
func (s *State) RawGetI(idx, i int) {
	t := s.ValueAt(idx)
	if !t.IsTable() {
		s.TypeError("index", t)
	}
	s.Push(t.Table().GetInt(i))
}

// RawSet is SetTable without metamethods.
func (s *State) RawSet(idx int) {
	t := s.ValueAt(idx)
	if !t.IsTable() {
		s.TypeError("index", t)
	}
	k, v := s.stack[s.top-2], s.stack[s.top-1]
	if k.IsNil() {
		s.RuntimeError("table index is nil")
	}
	s.Pop(2)
	t.Table().Set(s, k, v)
}

// RawSetI pops the value and performs t[i] = value without metamethods.
func (s *State) RawSetI(idx, i int) {
	t := s.ValueAt(idx)
	if !t.IsTable() {
		s.TypeError("index", t)
	}
	v := s.stack[s.top-1]
	s.Pop(1)
	t.Table().SetInt(s, i, v)
}

// ObjLen returns the raw length of the value at the index: string bytes or
// a table border; 0 otherwise.
func (s *State) ObjLen(idx int) int {
	v := s.ValueAt(idx)
	switch v.tag {
	case TagString:
		return v.Str().Len()
	case TagTable:
		return v.Table().Len()
	}
	return 0
}

// Next pops a key and pushes the next key/value pair of the table at the
// index; it returns false (pushing nothing) after the last pair.
func (s *State) Next(idx int) bool {
	t := s.ValueAt(idx)
	if !t.IsTable() {
		s.TypeError("iterate", t)
	}
	k := s.stack[s.top-1]
	s.Pop(1)
	nk, nv, ok := t.Table().Next(k)
	if !ok {
		s.RuntimeError("invalid key to 'next'")
	}
	if nk.IsNil() {
		return false
	}
	s.Push(nk)
	s.Push(nv)
	return true
}

// Concat concatenates the n values at the top of the stack, popping them
// and pushing the result, with the usual coercion and __concat semantics.
func (s *State) Concat(n int) {
	switch {
	case n == 0:
		s.PushString("")
	case n >= 2:
		res := s.concatStack(s.top-n, s.top-1)
		s.Pop(n)
		s.Push(res)
	}
}

// ---- metatables and environments ----

// GetMetatable pushes the metatable of the value at the index; it pushes
// nothing and returns false when there is none.
func (s *State) GetMetatable(idx int) bool {
	meta := s.metatableOf(s.ValueAt(idx))
	if meta == nil {
		return false
	}
	s.Push(tableValue(meta))
	return true
}

// SetMetatable pops a table (or nil) and installs it as the metatable of
// the value at the index.
func (s *State) SetMetatable(idx int) {
	v := s.ValueAt(idx)
	mv := s.stack[s.top-1]
	var meta *Table
	if !mv.IsNil() {
		if !mv.IsTable() {
			s.RuntimeError("metatable must be a table or nil")
		}
		meta = mv.Table()
	}
	s.Pop(1)
	switch v.tag {
	case TagTable:
		v.Table().SetMetatable(s, meta)
	case TagUserData:
		v.UserData().SetMetatable(s, meta)
	default:
		s.SetTypeMetatable(v.tag, meta)
	}
}

// GetFEnv pushes the environment table of the closure or userdata at the
// index.
func (s *State) GetFEnv(idx int) {
	v := s.ValueAt(idx)
	switch v.tag {
	case TagFunction:
		if env := v.Closure().env; env != nil {
			s.Push(tableValue(env))
			return
		}
	case TagUserData:
		if env := v.UserData().env; env != nil {
			s.Push(tableValue(env))
			return
		}
	}
	s.PushNil()
}

// SetFEnv pops a table and installs it as the environment of the closure or
// userdata at the index.
func (s *State) SetFEnv(idx int) {
	v := s.ValueAt(idx)
	ev := s.stack[s.top-1]
	if !ev.IsTable() {
		s.RuntimeError("environment must be a table")
	}
	s.Pop(1)
	switch v.tag {
	case TagFunction:
		v.Closure().setEnv(s, ev.Table())
	case TagUserData:
		u := v.UserData()
		if u.env != nil {
			u.env.release()
		}
		u.env = ev.Table()
		u.env.addRef()
		s.gc.barrier(u, u.env)
	default:
		s.RuntimeError("cannot set environment of a %s value", v.TypeName())
	}
}

// ---- globals ----

// GetGlobal pushes _G[name].
func (s *State) GetGlobal(name string) {
	s.Push(s.index(tableValue(s.globals), stringValue(s.internString(name))))
}

// SetGlobal pops a value and performs _G[name] = value.
func (s *State) SetGlobal(name string) {
	v := s.stack[s.top-1]
	s.Pop(1)
	s.setIndex(tableValue(s.globals), stringValue(s.internString(name)), v)
}

// Register sets a host function as a global.
func (s *State) Register(name string, fn GoFunc) {
	s.PushGoFunction(fn)
	s.SetGlobal(name)
}

// ---- calls ----

// Call calls the function at the top of the stack (below its nargs
// arguments) unprotected: an error not caught by any enclosing protected
// call prints to stderr and aborts the process.
func (s *State) Call(nargs, nresults int) {
	fnSlot := s.top - nargs - 1
	defer func() {
		if e := recover(); e != nil {
			le, ok := e.(*Error)
			if !ok {
				panic(e)
			}
			fmt.Fprintf(s.stderr, "unprotected error: %s\n", le.Error())
			os.Exit(1)
		}
	}()
	s.callSlot(fnSlot, nresults)
}

// PCall calls the function in protected mode: on error the stack and call
// frames are restored to the call point, the error value is left as the
// single result, and the status reports the failure. A non-zero errfunc
// names a handler run exactly once on the error value; an error inside the
// handler yields StatusErrorError and the canned message.
func (s *State) PCall(nargs, nresults, errfunc int) Status {
	fnSlot := s.top - nargs - 1
	var handler Value
	if errfunc != 0 {
		handler = s.ValueAt(errfunc)
	}
	savedFrames := len(s.frames)

	err := s.protectedRun(func() { s.callSlot(fnSlot, nresults) })
	if err == nil {
		return StatusOK
	}

	s.frames = s.frames[:savedFrames]
	s.closeUpValues(fnSlot)
	errVal, status := err.Value, err.Status

	if !handler.IsNil() {
		herr := s.protectedRun(func() {
			s.checkStack(2)
			base := s.top
			s.stack[base] = handler
			s.stack[base+1] = errVal
			s.top = base + 2
			s.callSlot(base, 1)
			errVal = s.stack[base]
			s.top = base
		})
		if herr != nil {
			status = StatusErrorError
			errVal = stringValue(s.internString("error in error handling"))
		}
	}

	s.stack[fnSlot] = errVal
	s.setRangeNil(fnSlot+1, s.top)
	s.top = fnSlot + 1
	return status
}

func (s *State) protectedRun(fn func()) (err *Error) {
	defer func() {
		if e := recover(); e != nil {
			le, ok := e.(*Error)
			if !ok {
				panic(e)
			}
			err = le
		}
	}()
	fn()
	return nil
}

// ErrorValue pops the value at the top of the stack and raises it as an
// error.
func (s *State) ErrorValue() {
	v := s.stack[s.top-1]
	s.Pop(1)
	s.raise(v, StatusRuntimeError)
}

// ---- chunk loading ----

// Load reads a chunk from the reader — source text or a precompiled binary
// chunk — compiles it if needed, and pushes the resulting closure with the
// globals table as environment. On failure the error message is pushed
// instead and the status reports it.
func (s *State) Load(r io.Reader, chunkname string) Status {
	b, err := io.ReadAll(r)
	if err != nil {
		s.PushString(chunkname + ": " + err.Error())
		return StatusSyntaxError
	}
	return s.LoadBuffer(b, chunkname)
}

// LoadBuffer is Load over an in-memory chunk.
func (s *State) LoadBuffer(b []byte, chunkname string) Status {
	var proto *compiler.Prototype
	var err error
	if compiler.IsBinaryChunk(b) {
		proto, err = compiler.Undump(b)
	} else {
		proto, err = compiler.Compile(chunkname, b)
	}
	if err != nil {
		s.PushString(err.Error())
		return StatusSyntaxError
	}
	rp := s.newProto(proto)
	s.Push(closureValue(s.newClosure(rp, s.globals, nil)))
	return StatusOK
}

// LoadString is Load over a source string.
func (s *State) LoadString(src, chunkname string) Status {
	return s.LoadBuffer([]byte(src), chunkname)
}

// Dump serializes the scripted closure at the top of the stack as a
// precompiled chunk through the writer; the inverse of loading a binary
// chunk.
func (s *State) Dump(w io.Writer) error {
	v := s.ValueAt(-1)
	if !v.IsFunction() || v.Closure().IsGo() {
		return fmt.Errorf("cannot dump a %s value", v.TypeName())
	}
	return compiler.Dump(v.Closure().proto.fn, w)
}

// Stdout returns the state's standard output writer.
func (s *State) Stdout() io.Writer { return s.stdout }

// DisplayString renders the value at the index the way tostring does:
// strings as-is, numbers formatted, nil and booleans by name, reference
// values as "<type>: 0x<id>".
func (s *State) DisplayString(idx int) string {
	v := s.ValueAt(idx)
	switch v.tag {
	case TagNil:
		return "nil"
	case TagBoolean:
		if v.Bool() {
			return "true"
		}
		return "false"
	case TagNumber:
		return FormatNumber(v.num)
	case TagString:
		return v.Str().String()
	case TagLightUserData:
		return fmt.Sprintf("userdata: %v", v.lud)
	}
	return fmt.Sprintf("%s: 0x%08x", v.TypeName(), v.obj.header().id)
}
