package compiler

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, src string) *Prototype {
	t.Helper()
	p, err := Compile("test.lua", []byte(src))
	require.NoError(t, err)
	return p
}

func compileErr(t *testing.T, src string) string {
	t.Helper()
	_, err := Compile("test.lua", []byte(src))
	require.Error(t, err)
	return err.Error()
}

func opcodes(p *Prototype) []Opcode {
	res := make([]Opcode, len(p.Code))
	for i, inst := range p.Code {
		res[i] = inst.Opcode()
	}
	return res
}

func hasOpcode(p *Prototype, op Opcode) bool {
	for _, o := range opcodes(p) {
		if o == op {
			return true
		}
	}
	return false
}

func TestCompileTopLevel(t *testing.T) {
	p := compile(t, `return 1`)
	assert.Equal(t, "test.lua", p.Source)
	assert.True(t, p.HasVarArg)
	assert.Equal(t, 0, p.NumParams)
	assert.NotEmpty(t, p.Code)
	// every function ends with a return
	assert.Equal(t, Return, p.Code[len(p.Code)-1].Opcode())
}

func TestConstantFolding(t *testing.T) {
	p := compile(t, `return 1 + 2 * 3`)
	require.Len(t, p.Constants, 1)
	assert.Equal(t, 7.0, p.Constants[0])
	assert.False(t, hasOpcode(p, Add))
	assert.False(t, hasOpcode(p, Mul))

	p = compile(t, `return 2 ^ 10, 7 % 3, -(4 - 1)`)
	assert.Contains(t, p.Constants, 1024.0)
	assert.Contains(t, p.Constants, 1.0)
	assert.Contains(t, p.Constants, -3.0)
	assert.False(t, hasOpcode(p, Pow))
	assert.False(t, hasOpcode(p, Unm))
}

func TestFoldingStopsAtVariables(t *testing.T) {
	p := compile(t, `local x = 1; return x + 2`)
	assert.True(t, hasOpcode(p, Add))
}

func TestConstantDeduplication(t *testing.T) {
	p := compile(t, `local a = "s"; local b = "s"; local c = 42; local d = 42`)
	assert.Len(t, p.Constants, 2)
}

func TestLocalsAndRegisters(t *testing.T) {
	p := compile(t, `local a, b, c = 1, 2; return c`)
	assert.Equal(t, []string{"a", "b", "c"}, p.Locals)
	assert.True(t, hasOpcode(p, LoadNil), "missing values pad with nil")
	assert.GreaterOrEqual(t, p.MaxStackSize, 3)
}

func TestNestedPrototypesAndUpvalues(t *testing.T) {
	p := compile(t, `
local x = 1
local function outer()
  local y = 2
  return function() return x + y end
end
`)
	require.Len(t, p.Prototypes, 1)
	outer := p.Prototypes[0]
	require.Len(t, outer.Prototypes, 1)
	inner := outer.Prototypes[0]

	assert.Equal(t, []string{"x"}, outer.UpValues)
	assert.Equal(t, []string{"x", "y"}, inner.UpValues)

	// the Closure instruction is followed by one pseudo-instruction per
	// upvalue binding
	code := outer.Code
	var closureAt = -1
	for i, inst := range code {
		if inst.Opcode() == Closure {
			closureAt = i
			break
		}
	}
	require.GreaterOrEqual(t, closureAt, 0)
	require.Greater(t, len(code), closureAt+2)
	assert.Equal(t, GetUpVal, code[closureAt+1].Opcode()) // x from outer's upvalue
	assert.Equal(t, Move, code[closureAt+2].Opcode())     // y from outer's local
}

func TestCloseEmittedForCapturedBlockLocals(t *testing.T) {
	p := compile(t, `
local f
do
  local x = 1
  f = function() return x end
end
`)
	assert.True(t, hasOpcode(p, Close))
}

func TestControlFlowOpcodes(t *testing.T) {
	p := compile(t, `
for i = 1, 10 do end
for k in pairs({}) do end
while false do end
repeat until true
if true then end
`)
	for _, op := range []Opcode{ForPrep, ForLoop, TForLoop, Jmp, Test, NewTable} {
		assert.True(t, hasOpcode(p, op), "missing %s", op)
	}
}

func TestTailCallEmitted(t *testing.T) {
	p := compile(t, `local function f() end; return f()`)
	assert.True(t, hasOpcode(p, TailCall))
	assert.False(t, hasOpcode(p, Call))
}

func TestNonTailCallsUseCall(t *testing.T) {
	p := compile(t, `local function f() end; return 1 + f()`)
	assert.True(t, hasOpcode(p, Call))
	assert.False(t, hasOpcode(p, TailCall))
}

func TestChainedIndexUsesGetTableRef(t *testing.T) {
	p := compile(t, `return a.b.c`)
	assert.True(t, hasOpcode(p, GetTableRef))
	assert.True(t, hasOpcode(p, GetTable))

	p = compile(t, `return a.b`)
	assert.False(t, hasOpcode(p, GetTableRef))
}

func TestMethodCompilation(t *testing.T) {
	p := compile(t, `local o = {}; o:m(1)`)
	assert.True(t, hasOpcode(p, Self))

	p = compile(t, `local o = {}; function o:m() return self end`)
	require.Len(t, p.Prototypes, 1)
	assert.Equal(t, 1, p.Prototypes[0].NumParams)
	assert.Equal(t, "self", p.Prototypes[0].Locals[0])
}

func TestVarargCompilation(t *testing.T) {
	p := compile(t, `local function f(...) return ... end`)
	require.Len(t, p.Prototypes, 1)
	assert.True(t, p.Prototypes[0].HasVarArg)
	assert.True(t, hasOpcode(p.Prototypes[0], VarArg))
}

func TestVarargOutsideVarargFunction(t *testing.T) {
	msg := compileErr(t, `local function f() return ... end`)
	assert.Contains(t, msg, "outside a vararg function")
}

func TestSetListBlocks(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("local t = {")
	for i := 0; i < 60; i++ {
		sb.WriteString("true,")
	}
	sb.WriteString("}")
	p := compile(t, sb.String())

	var blocks []int
	for _, inst := range p.Code {
		if inst.Opcode() == SetList {
			blocks = append(blocks, inst.C())
		}
	}
	assert.Equal(t, []int{1, 2}, blocks)
}

func TestLineInfoRecorded(t *testing.T) {
	p := compile(t, "local a = 1\n\nlocal b = 2\n")
	require.Len(t, p.Lines, len(p.Code))
	assert.Equal(t, 1, p.Line(0))
}

func TestSyntaxErrors(t *testing.T) {
	cases := []struct {
		name, src, want string
	}{
		{"unclosed if", `if x then`, "'end' expected"},
		{"missing then", `if x end`, "'then' expected"},
		{"bad expression", `return +`, "unexpected symbol"},
		{"bad assignment", `1 = 2`, "unexpected symbol"},
		{"assign to call", `f() = 2`, "cannot assign"},
		{"break outside loop", `break`, "no loop to break"},
		{"unclosed string", `local s = "abc`, "not terminated"},
		{"unclosed paren", `return (1`, "')' expected"},
		{"bad for", `for x do end`, "'=' or 'in' expected"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg := compileErr(t, c.src)
			assert.Contains(t, msg, c.want)
			assert.Contains(t, msg, "test.lua:")
		})
	}
}

func TestErrorsCarryLineNumbers(t *testing.T) {
	msg := compileErr(t, "local a = 1\nlocal b =\nreturn a")
	assert.Contains(t, msg, "test.lua:3")
}

func TestInstructionEncoding(t *testing.T) {
	inst := EncodeABC(SetTable, 3, RKAsConstant(7), 255)
	assert.Equal(t, SetTable, inst.Opcode())
	assert.Equal(t, 3, inst.A())
	assert.Equal(t, RKAsConstant(7), inst.B())
	assert.Equal(t, 255, inst.C())

	inst = EncodeABx(LoadK, 9, 70000)
	assert.Equal(t, 9, inst.A())
	assert.Equal(t, 70000, inst.Bx())

	inst = EncodeAsBx(Jmp, 0, -5)
	assert.Equal(t, -5, inst.SBx())
	inst = inst.WithSBx(12)
	assert.Equal(t, 12, inst.SBx())

	inst = EncodeABC(Call, 1, 2, 3).WithC(0).WithB(5).WithA(7)
	assert.Equal(t, 7, inst.A())
	assert.Equal(t, 5, inst.B())
	assert.Equal(t, 0, inst.C())
}

func TestRKEncoding(t *testing.T) {
	assert.False(t, RKIsConstant(255))
	assert.True(t, RKIsConstant(RKAsConstant(0)))
	assert.Equal(t, 37, RKConstantIndex(RKAsConstant(37)))
}

func TestDisasmListing(t *testing.T) {
	p := compile(t, `local a = 1; return a + 2`)
	var buf bytes.Buffer
	require.NoError(t, Disasm(p, &buf))
	out := buf.String()
	assert.Contains(t, out, "function <test.lua:")
	assert.Contains(t, out, "loadk")
	assert.Contains(t, out, "add")
	assert.Contains(t, out, "return")
}
