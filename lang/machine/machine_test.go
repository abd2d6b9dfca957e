package machine_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mna/lunes/lang/machine"
	"github.com/mna/lunes/lang/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newState(t *testing.T) *machine.State {
	t.Helper()
	s := machine.NewState()
	t.Cleanup(s.Close)
	stdlib.OpenAll(s)
	return s
}

// run compiles and executes src, returning all results.
func run(t *testing.T, src string) (*machine.State, []machine.Value) {
	t.Helper()
	s := newState(t)
	return s, runOn(t, s, src)
}

func runOn(t *testing.T, s *machine.State, src string) []machine.Value {
	t.Helper()
	require.Equal(t, machine.StatusOK, s.LoadString(src, "test.lua"), "load error: %v", errMsg(s))
	st := s.PCall(0, machine.MultRet, 0)
	require.Equal(t, machine.StatusOK, st, "runtime error: %s", errMsg(s))
	n := s.GetTop()
	vals := make([]machine.Value, n)
	for i := range vals {
		vals[i] = s.ValueAt(i + 1)
	}
	s.SetTop(0)
	return vals
}

func errMsg(s *machine.State) string {
	msg, _ := s.ToString(-1)
	return msg
}

// runError executes src expecting a runtime error and returns its message.
func runError(t *testing.T, src string) string {
	t.Helper()
	s := newState(t)
	require.Equal(t, machine.StatusOK, s.LoadString(src, "test.lua"), "load error: %v", errMsg(s))
	st := s.PCall(0, machine.MultRet, 0)
	require.Equal(t, machine.StatusRuntimeError, st, "expected a runtime error")
	return errMsg(s)
}

func nums(vals []machine.Value) []float64 {
	res := make([]float64, len(vals))
	for i, v := range vals {
		res[i] = v.Num()
	}
	return res
}

func TestArithmeticAndLocals(t *testing.T) {
	_, vals := run(t, `local a = 1; local b = 2; return a + b * 3`)
	require.Len(t, vals, 1)
	assert.Equal(t, 7.0, vals[0].Num())
}

func TestStringInterningAndEquality(t *testing.T) {
	_, vals := run(t, `local x = "hel" .. "lo"; local y = "hello"; return x == y, x`)
	require.Len(t, vals, 2)
	assert.True(t, vals[0].Bool())
	require.True(t, vals[1].IsString())
	assert.Equal(t, "hello", vals[1].Str().String())
}

func TestInternPointerIdentity(t *testing.T) {
	_, vals := run(t, `return "con" .. "cat", "concat"`)
	require.Len(t, vals, 2)
	assert.Same(t, vals[0].Str(), vals[1].Str())
}

func TestClosuresAndUpvalues(t *testing.T) {
	_, vals := run(t, `
local function counter()
  local n = 0
  return function() n = n + 1; return n end
end
local c = counter()
return c(), c(), c()
`)
	assert.Equal(t, []float64{1, 2, 3}, nums(vals))
}

func TestSharedUpvalueCell(t *testing.T) {
	// two closures over the same local observe each other's writes, both
	// before and after the scope closes
	_, vals := run(t, `
local get, set
do
  local x = 1
  get = function() return x end
  set = function(v) x = v end
end
local a = get()
set(42)
return a, get()
`)
	assert.Equal(t, []float64{1, 42}, nums(vals))
}

func TestMultiReturnAdjustment(t *testing.T) {
	_, vals := run(t, `
local function f() return 1, 2, 3 end
local a, b = f()
local c, d, e, g = 0, f()
return a, b, c, d, e, g
`)
	assert.Equal(t, []float64{1, 2, 0, 1, 2, 3}, nums(vals))
}

func TestIndexMetamethodChain(t *testing.T) {
	_, vals := run(t, `
local base = { x = 10 }
local mid  = setmetatable({}, { __index = base })
local top  = setmetatable({}, { __index = mid })
return top.x
`)
	require.Len(t, vals, 1)
	assert.Equal(t, 10.0, vals[0].Num())
}

func TestIndexFunctionMetamethod(t *testing.T) {
	_, vals := run(t, `
local t = setmetatable({}, { __index = function(t, k) return k .. "!" end })
return t.foo
`)
	require.Len(t, vals, 1)
	assert.Equal(t, "foo!", vals[0].Str().String())
}

func TestNewIndexMetamethod(t *testing.T) {
	_, vals := run(t, `
local log = {}
local t = setmetatable({}, { __newindex = function(t, k, v) log[k] = v end })
t.a = 1
rawset(t, "b", 2)
t.b = 3 -- raw slot exists, no metamethod
return log.a, t.a, t.b
`)
	assert.Equal(t, 1.0, vals[0].Num())
	assert.True(t, vals[1].IsNil())
	assert.Equal(t, 3.0, vals[2].Num())
}

func TestProtectedCallAndError(t *testing.T) {
	_, vals := run(t, `
local ok, err = pcall(function() error("boom") end)
return ok, err
`)
	require.Len(t, vals, 2)
	assert.False(t, vals[0].Bool())
	require.True(t, vals[1].IsString())
	assert.True(t, strings.HasSuffix(vals[1].Str().String(), "boom"), "got %q", vals[1].Str().String())
	assert.Contains(t, vals[1].Str().String(), "test.lua:")
}

func TestMultipleAssignmentSwap(t *testing.T) {
	_, vals := run(t, `local a, b = 1, 2; a, b = b, a; return a, b`)
	assert.Equal(t, []float64{2, 1}, nums(vals))
}

func TestMultipleAssignmentPadAndDiscard(t *testing.T) {
	_, vals := run(t, `
local called = 0
local function side() called = called + 1; return 9 end
local a, b, c = 1
local d = 1, side(), side() -- extras evaluated for side effects
return a, b, c, d, called
`)
	assert.Equal(t, 1.0, vals[0].Num())
	assert.True(t, vals[1].IsNil())
	assert.True(t, vals[2].IsNil())
	assert.Equal(t, 1.0, vals[3].Num())
	assert.Equal(t, 2.0, vals[4].Num())
}

func TestNumericForBounds(t *testing.T) {
	_, vals := run(t, `
local n = 0
for i = 10, 1 do n = n + 1 end -- zero iterations
local sum = 0
for i = 1, 5 do sum = sum + i end
local down = {}
for i = 3, 1, -1 do down[#down + 1] = i end
return n, sum, down[1], down[2], down[3]
`)
	assert.Equal(t, []float64{0, 15, 3, 2, 1}, nums(vals))
}

func TestGenericFor(t *testing.T) {
	_, vals := run(t, `
local t = { 10, 20, 30 }
local sum = 0
for i, v in ipairs(t) do sum = sum + i * v end
local count = 0
for k, v in pairs({ a = 1, b = 2, c = 3 }) do count = count + v end
return sum, count
`)
	assert.Equal(t, []float64{10 + 40 + 90, 6}, nums(vals))
}

func TestWhileRepeatBreak(t *testing.T) {
	_, vals := run(t, `
local i = 0
while true do
  i = i + 1
  if i >= 4 then break end
end
local j = 0
repeat j = j + 1 until j >= 3
return i, j
`)
	assert.Equal(t, []float64{4, 3}, nums(vals))
}

func TestIfElseifElse(t *testing.T) {
	_, vals := run(t, `
local function classify(n)
  if n < 0 then return "neg"
  elseif n == 0 then return "zero"
  else return "pos" end
end
return classify(-1), classify(0), classify(5)
`)
	assert.Equal(t, "neg", vals[0].Str().String())
	assert.Equal(t, "zero", vals[1].Str().String())
	assert.Equal(t, "pos", vals[2].Str().String())
}

func TestAndOrShortCircuit(t *testing.T) {
	_, vals := run(t, `
local calls = 0
local function eff(v) calls = calls + 1; return v end
local a = false and eff(1)
local b = true or eff(2)
local c = nil or "dflt"
local d = 1 and 2
return a, b, c, d, calls
`)
	assert.False(t, vals[0].Bool())
	assert.True(t, vals[1].Bool())
	assert.Equal(t, "dflt", vals[2].Str().String())
	assert.Equal(t, 2.0, vals[3].Num())
	assert.Equal(t, 0.0, vals[4].Num())
}

func TestDivisionByZeroIEEE(t *testing.T) {
	_, vals := run(t, `return 1/0, -1/0, 0/0 ~= 0/0`)
	assert.True(t, vals[0].Num() > 0 && vals[0].Num()*2 == vals[0].Num()) // +inf
	assert.True(t, vals[1].Num() < 0)
	assert.True(t, vals[2].Bool()) // NaN ~= NaN
}

func TestModuloFloorSemantics(t *testing.T) {
	_, vals := run(t, `return 5 % 3, -5 % 3, 5 % -3, 2^10`)
	assert.Equal(t, []float64{2, 1, -1, 1024}, nums(vals))
}

func TestStringNumberCoercion(t *testing.T) {
	_, vals := run(t, `return "10" + 5, "0x10" + 0, 10 .. ""`)
	assert.Equal(t, 15.0, vals[0].Num())
	assert.Equal(t, 16.0, vals[1].Num())
	assert.Equal(t, "10", vals[2].Str().String())
}

func TestArithMetamethods(t *testing.T) {
	_, vals := run(t, `
local mt = {
  __add = function(a, b) return "add" end,
  __sub = function(a, b) return "sub" end,
  __mul = function(a, b) return "mul" end,
  __unm = function(a) return "unm" end,
}
local v = setmetatable({}, mt)
return v + 1, 1 - v, v * v, -v
`)
	assert.Equal(t, "add", vals[0].Str().String())
	assert.Equal(t, "sub", vals[1].Str().String())
	assert.Equal(t, "mul", vals[2].Str().String())
	assert.Equal(t, "unm", vals[3].Str().String())
}

func TestCompareMetamethods(t *testing.T) {
	_, vals := run(t, `
local mt
mt = {
  __eq = function(a, b) return true end,
  __lt = function(a, b) return a.v < b.v end,
}
local a = setmetatable({ v = 1 }, mt)
local b = setmetatable({ v = 2 }, mt)
return a == b, a < b, b <= a, a ~= b
`)
	assert.True(t, vals[0].Bool())
	assert.True(t, vals[1].Bool())
	assert.False(t, vals[2].Bool()) // not (a < b) is false
	assert.False(t, vals[3].Bool())
}

func TestEqMismatchedTagsIsFalse(t *testing.T) {
	_, vals := run(t, `return 1 == "1", nil == false, {} == {}`)
	assert.False(t, vals[0].Bool())
	assert.False(t, vals[1].Bool())
	assert.False(t, vals[2].Bool())
}

func TestCallMetamethod(t *testing.T) {
	_, vals := run(t, `
local callable = setmetatable({}, { __call = function(self, a, b) return a + b end })
return callable(3, 4)
`)
	assert.Equal(t, 7.0, vals[0].Num())
}

func TestConcatMetamethodAndLen(t *testing.T) {
	_, vals := run(t, `
local v = setmetatable({}, { __concat = function(a, b) return "cc" end, __len = function() return 99 end })
return v .. "x", "x" .. v, #v, #"hello", #({1,2,3})
`)
	assert.Equal(t, "cc", vals[0].Str().String())
	assert.Equal(t, "cc", vals[1].Str().String())
	assert.Equal(t, 99.0, vals[2].Num())
	assert.Equal(t, 5.0, vals[3].Num())
	assert.Equal(t, 3.0, vals[4].Num())
}

func TestVarargFunctions(t *testing.T) {
	_, vals := run(t, `
local function f(a, ...)
  local b, c = ...
  return a, b, c, select("#", ...)
end
return f(1, 2, 3, 4)
`)
	assert.Equal(t, []float64{1, 2, 3, 3}, nums(vals))
}

func TestVarargExpansionInTable(t *testing.T) {
	_, vals := run(t, `
local function f(...) return { ... } end
local t = f(7, 8, 9)
return #t, t[1], t[3]
`)
	assert.Equal(t, []float64{3, 7, 9}, nums(vals))
}

func TestTailCallDeepRecursion(t *testing.T) {
	// deeper than the call-frame bound: only proper tail calls survive
	_, vals := run(t, `
local function loop(n, acc)
  if n == 0 then return acc end
  return loop(n - 1, acc + n)
end
return loop(10000, 0)
`)
	assert.Equal(t, 10000.0*10001/2, vals[0].Num())
}

func TestCallStackOverflow(t *testing.T) {
	msg := runError(t, `
local function rec(n) return 1 + rec(n + 1) end -- not a tail call
return rec(1)
`)
	assert.Contains(t, msg, "call stack overflow")
}

func TestLocalScoping(t *testing.T) {
	_, vals := run(t, `
local a = 1
do
  local a = 2
  a = a + 1
end
local b = a
local a = a -- initializer sees the outer a
return b, a
`)
	assert.Equal(t, []float64{1, 1}, nums(vals))
}

func TestFunctionStatementSugar(t *testing.T) {
	_, vals := run(t, `
local lib = { nested = {} }
function lib.nested.add(a, b) return a + b end
function lib.nested:method(x) return self.base + x end
lib.nested.base = 100
return lib.nested.add(2, 3), lib.nested:method(5)
`)
	assert.Equal(t, []float64{5, 105}, nums(vals))
}

func TestTableConstructorForms(t *testing.T) {
	_, vals := run(t, `
local n = 0
local function three() return 1, 2, 3 end
local t = { 10, 20, x = "ex", [5 + 5] = "ten", 30, three() }
return #t, t[1], t[3], t[4], t[6], t.x, t[10]
`)
	assert.Equal(t, 6.0, vals[0].Num())
	assert.Equal(t, 10.0, vals[1].Num())
	assert.Equal(t, 30.0, vals[2].Num())
	assert.Equal(t, 1.0, vals[3].Num())
	assert.Equal(t, 3.0, vals[4].Num())
	assert.Equal(t, "ex", vals[5].Str().String())
	assert.Equal(t, "ten", vals[6].Str().String())
}

func TestLargeTableConstructorFlushes(t *testing.T) {
	// more than one SetList flush of 50 items
	src := "local i = 7\nlocal t = {" + strings.Repeat("i,", 120) + "}\nreturn #t, t[120]"
	_, vals := run(t, src)
	assert.Equal(t, []float64{120, 7}, nums(vals))
}

func TestGenericForStopsOnNil(t *testing.T) {
	_, vals := run(t, `
local function iter(s, c)
  if c >= 3 then return nil, "ignored" end
  return c + 1, c * 10
end
local keys = 0
for k, v in iter, nil, 0 do keys = keys + k end
return keys
`)
	assert.Equal(t, 6.0, vals[0].Num()) // 1 + 2 + 3
}

func TestRuntimeErrors(t *testing.T) {
	cases := []struct {
		name, src, want string
	}{
		{"arith on table", `return {} + 1`, "attempt to perform arithmetic"},
		{"index nil", `local x; return x.y`, "attempt to index"},
		{"call number", `local x = 3; x()`, "attempt to call"},
		{"compare mismatch", `return 1 < "2"`, "attempt to compare"},
		{"concat table", `return {} .. ""`, "attempt to concatenate"},
		{"nil table key", `local t = {}; local k; t[k] = 1`, "table index is nil"},
		{"for init", `for i = {}, 2 do end`, "'for' initial value must be a number"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg := runError(t, c.src)
			assert.Contains(t, msg, c.want)
			assert.Contains(t, msg, "test.lua:")
		})
	}
}

func TestMetatableLoopDetected(t *testing.T) {
	msg := runError(t, `
local t = {}
setmetatable(t, { __index = t })
return t.missing
`)
	assert.Contains(t, msg, "loop in gettable")
}

func TestErrorWithNonStringValue(t *testing.T) {
	_, vals := run(t, `
local ok, err = pcall(function() error({ code = 42 }) end)
return ok, err.code
`)
	assert.False(t, vals[0].Bool())
	assert.Equal(t, 42.0, vals[1].Num())
}

func TestPCallErrorHandler(t *testing.T) {
	s := newState(t)
	s.PushGoFunction(func(s *machine.State) int {
		msg, _ := s.ToString(1)
		s.PushString("handled: " + msg)
		return 1
	})
	require.Equal(t, machine.StatusOK, s.LoadString(`error("oops")`, "h.lua"))
	st := s.PCall(0, machine.MultRet, 1)
	require.Equal(t, machine.StatusRuntimeError, st)
	msg, _ := s.ToString(-1)
	assert.Contains(t, msg, "handled: ")
	assert.Contains(t, msg, "oops")
}

func TestErrorInErrorHandler(t *testing.T) {
	s := newState(t)
	s.PushGoFunction(func(s *machine.State) int {
		s.RuntimeError("handler blew up")
		return 0
	})
	require.Equal(t, machine.StatusOK, s.LoadString(`error("oops")`, "h.lua"))
	st := s.PCall(0, machine.MultRet, 1)
	require.Equal(t, machine.StatusErrorError, st)
	msg, _ := s.ToString(-1)
	assert.Equal(t, "error in error handling", msg)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	src := `
local function fact(n)
  if n <= 1 then return 1 end
  return n * fact(n - 1)
end
return fact(6), "done"
`
	s := newState(t)

	// direct execution
	direct := runOn(t, s, src)

	// dump the compiled chunk, reload it, execute again
	require.Equal(t, machine.StatusOK, s.LoadString(src, "rt.lua"))
	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf))
	s.Pop(1)

	require.Equal(t, machine.StatusOK, s.LoadBuffer(buf.Bytes(), "rt.lua"))
	st := s.PCall(0, machine.MultRet, 0)
	require.Equal(t, machine.StatusOK, st, "reloaded chunk: %s", errMsg(s))
	require.Equal(t, len(direct), s.GetTop())
	assert.Equal(t, direct[0].Num(), s.ToNumber(1))
	got, _ := s.ToString(2)
	assert.Equal(t, "done", got)
	s.SetTop(0)
}

func TestHostAPIStackOps(t *testing.T) {
	s := newState(t)
	s.PushNumber(1)
	s.PushString("two")
	s.PushBoolean(true)
	require.Equal(t, 3, s.GetTop())

	s.PushValue(1)
	assert.Equal(t, 1.0, s.ToNumber(-1))
	s.Insert(1) // move copy to bottom
	assert.Equal(t, 1.0, s.ToNumber(1))
	s.Remove(1)
	require.Equal(t, 3, s.GetTop())

	s.PushNumber(9)
	s.Replace(1)
	assert.Equal(t, 9.0, s.ToNumber(1))

	assert.Equal(t, "two", s.DisplayString(2))
	assert.True(t, s.ToBoolean(3))
	s.SetTop(0)
}

func TestHostAPITables(t *testing.T) {
	s := newState(t)
	s.PushNewTable(0, 0)
	s.PushString("v")
	s.SetField(-2, "k")
	s.GetField(-1, "k")
	got, ok := s.ToString(-1)
	require.True(t, ok)
	assert.Equal(t, "v", got)
	s.Pop(1)

	s.PushNumber(1)
	s.PushString("one")
	s.RawSet(-3)
	s.RawGetI(-1, 1)
	got, _ = s.ToString(-1)
	assert.Equal(t, "one", got)
	s.Pop(1)

	assert.Equal(t, 1, s.ObjLen(-1))

	// iterate: one array item plus one hash item
	seen := map[string]bool{}
	s.PushNil()
	for s.Next(-2) {
		seen[s.DisplayString(-2)] = true
		s.Pop(1)
	}
	assert.Len(t, seen, 2)
	s.SetTop(0)
}

func TestGlobalsAcrossChunks(t *testing.T) {
	s := newState(t)
	runOn(t, s, `answer = 41`)
	vals := runOn(t, s, `answer = answer + 1; return answer`)
	assert.Equal(t, 42.0, vals[0].Num())

	s.GetGlobal("answer")
	assert.Equal(t, 42.0, s.ToNumber(-1))
	s.Pop(1)
}

func TestNumberToStringCoercionInPlace(t *testing.T) {
	s := newState(t)
	s.PushNumber(3.5)
	got, ok := s.ToString(-1)
	require.True(t, ok)
	assert.Equal(t, "3.5", got)
	// the slot now holds the interned string
	assert.True(t, s.ValueAt(-1).IsString())
	s.Pop(1)
}

func TestTypeNames(t *testing.T) {
	_, vals := run(t, `
return type(nil), type(true), type(0), type(""), type({}), type(print)
`)
	want := []string{"nil", "boolean", "number", "string", "table", "function"}
	for i, w := range want {
		assert.Equal(t, w, vals[i].Str().String())
	}
}
