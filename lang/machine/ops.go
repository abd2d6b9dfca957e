package machine

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/mna/lunes/lang/compiler"
)

// ToNumberValue coerces a value to a number: numbers are returned as-is and
// strings are parsed (decimal, hex or exponent forms).
func ToNumberValue(v Value) (float64, bool) {
	switch v.tag {
	case TagNumber:
		return v.num, true
	case TagString:
		return parseNumber(v.Str().String())
	}
	return 0, false
}

func parseNumber(str string) (float64, bool) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, false
	}
	if len(str) > 2 && (str[:2] == "0x" || str[:2] == "0X") {
		u, err := strconv.ParseUint(str[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return float64(u), true
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// FormatNumber renders a number the way the language prints it.
func FormatNumber(f float64) string {
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsNaN(f) {
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

var arithTagMethods = map[compiler.Opcode]tagMethod{
	compiler.Add: tmAdd,
	compiler.Sub: tmSub,
	compiler.Mul: tmMul,
	compiler.Div: tmDiv,
	compiler.Mod: tmMod,
	compiler.Pow: tmPow,
}

// arith implements the binary arithmetic operators: numbers (or strings
// coercible to numbers) use IEEE-754 semantics, with mod defined as
// a - floor(a/b)*b; otherwise the matching metamethod of the first then the
// second operand is called with both operands.
func (s *State) arith(op compiler.Opcode, a, b Value) Value {
	x, okx := ToNumberValue(a)
	y, oky := ToNumberValue(b)
	if okx && oky {
		switch op {
		case compiler.Add:
			return Number(x + y)
		case compiler.Sub:
			return Number(x - y)
		case compiler.Mul:
			return Number(x * y)
		case compiler.Div:
			return Number(x / y)
		case compiler.Mod:
			return Number(x - math.Floor(x/y)*y)
		case compiler.Pow:
			return Number(math.Pow(x, y))
		}
	}
	h := s.metamethod(a, arithTagMethods[op])
	if h.IsNil() {
		h = s.metamethod(b, arithTagMethods[op])
	}
	if h.IsNil() {
		bad := a
		if okx {
			bad = b
		}
		s.TypeError("perform arithmetic on", bad)
	}
	return s.callMeta(h, a, b)
}

func (s *State) arithUnm(v Value) Value {
	if n, ok := ToNumberValue(v); ok {
		return Number(-n)
	}
	h := s.metamethod(v, tmUnm)
	if h.IsNil() {
		s.TypeError("perform arithmetic on", v)
	}
	return s.callMeta(h, v, v)
}

// equalVals implements ==: pointer identity for reference types, numeric
// equality for numbers, false for mismatched tags. The __eq metamethod is
// consulted only when both operands share a tag and both metatables resolve
// to the same method.
func (s *State) equalVals(a, b Value) bool {
	if a.Equals(b) {
		return true
	}
	if a.tag != b.tag || (a.tag != TagTable && a.tag != TagUserData) {
		return false
	}
	h1 := s.metamethod(a, tmEq)
	h2 := s.metamethod(b, tmEq)
	if h1.IsNil() || !h1.Equals(h2) {
		return false
	}
	return s.callMeta(h1, a, b).Truth()
}

func (s *State) lessThan(a, b Value) bool {
	if a.tag == TagNumber && b.tag == TagNumber {
		return a.num < b.num
	}
	if a.tag == TagString && b.tag == TagString {
		return bytes.Compare(a.Str().b, b.Str().b) < 0
	}
	h := s.metamethod(a, tmLt)
	if h.IsNil() {
		h = s.metamethod(b, tmLt)
	}
	if h.IsNil() {
		s.RuntimeError("attempt to compare %s with %s", a.TypeName(), b.TypeName())
	}
	return s.callMeta(h, a, b).Truth()
}

func (s *State) lessEqual(a, b Value) bool {
	if a.tag == TagNumber && b.tag == TagNumber {
		return a.num <= b.num
	}
	if a.tag == TagString && b.tag == TagString {
		return bytes.Compare(a.Str().b, b.Str().b) <= 0
	}
	h := s.metamethod(a, tmLe)
	if h.IsNil() {
		h = s.metamethod(b, tmLe)
	}
	if !h.IsNil() {
		return s.callMeta(h, a, b).Truth()
	}
	// fall back to not (b < a)
	h = s.metamethod(a, tmLt)
	if h.IsNil() {
		h = s.metamethod(b, tmLt)
	}
	if h.IsNil() {
		s.RuntimeError("attempt to compare %s with %s", a.TypeName(), b.TypeName())
	}
	return !s.callMeta(h, b, a).Truth()
}

// index implements t[k] reads with the __index chain: a raw table hit wins,
// a table handler recurses, a function handler is called with (t, k). Chain
// depth is bounded to detect metatable loops.
func (s *State) index(t, k Value) Value {
	v := t
	for depth := 0; depth < maxMetaDepth; depth++ {
		var h Value
		if v.IsTable() {
			if raw := v.Table().Get(k); !raw.IsNil() {
				return raw
			}
			h = s.metamethod(v, tmIndex)
			if h.IsNil() {
				return Nil
			}
		} else {
			h = s.metamethod(v, tmIndex)
			if h.IsNil() {
				s.TypeError("index", v)
			}
		}
		if h.IsFunction() {
			return s.callMeta(h, v, k)
		}
		v = h
	}
	s.RuntimeError("loop in gettable")
	return Nil
}

// setIndex implements t[k] = v writes with the __newindex chain: an
// existing raw slot is updated, a table handler recurses, a function
// handler is called with (t, k, v), and otherwise a new slot is inserted.
func (s *State) setIndex(t, k, v Value) {
	cur := t
	for depth := 0; depth < maxMetaDepth; depth++ {
		var h Value
		if cur.IsTable() {
			tbl := cur.Table()
			if !tbl.Get(k).IsNil() {
				tbl.Set(s, k, v)
				return
			}
			h = s.metamethod(cur, tmNewIndex)
			if h.IsNil() {
				if k.IsNil() {
					s.RuntimeError("table index is nil")
				}
				if k.tag == TagNumber && math.IsNaN(k.num) {
					s.RuntimeError("table index is NaN")
				}
				tbl.Set(s, k, v)
				return
			}
		} else {
			h = s.metamethod(cur, tmNewIndex)
			if h.IsNil() {
				s.TypeError("index", cur)
			}
		}
		if h.IsFunction() {
			s.callMeta3(h, cur, k, v)
			return
		}
		cur = h
	}
	s.RuntimeError("loop in settable")
}

// length implements the # operator: string byte length, __len metamethod,
// or a table border.
func (s *State) length(v Value) Value {
	if v.IsString() {
		return Number(float64(v.Str().Len()))
	}
	if h := s.metamethod(v, tmLen); !h.IsNil() {
		return s.callMeta(h, v, v)
	}
	if v.IsTable() {
		return Number(float64(v.Table().Len()))
	}
	s.TypeError("get length of", v)
	return Nil
}

// concatStack concatenates the stack slots [first, last], right to left,
// leaving the result in the first slot. Runs of strings and numbers join
// directly; any other operand dispatches __concat.
func (s *State) concatStack(first, last int) Value {
	for last > first {
		a, b := s.stack[last-1], s.stack[last]
		if concatable(a) && concatable(b) {
			var buf bytes.Buffer
			appendConcat(&buf, a)
			appendConcat(&buf, b)
			s.stack[last-1] = stringValue(s.intern(buf.Bytes()))
		} else {
			h := s.metamethod(a, tmConcat)
			if h.IsNil() {
				h = s.metamethod(b, tmConcat)
			}
			if h.IsNil() {
				bad := a
				if concatable(a) {
					bad = b
				}
				s.TypeError("concatenate", bad)
			}
			s.stack[last-1] = s.callMeta(h, a, b)
		}
		last--
	}
	return s.stack[first]
}

func concatable(v Value) bool { return v.tag == TagString || v.tag == TagNumber }

func appendConcat(buf *bytes.Buffer, v Value) {
	if v.tag == TagString {
		buf.Write(v.Str().b)
	} else {
		buf.WriteString(FormatNumber(v.num))
	}
}

// ---- call plumbing ----

// callMeta calls a metamethod with two arguments and one result, using the
// stack slack above the current frame.
func (s *State) callMeta(h, a, b Value) Value {
	s.checkStack(3)
	base := s.top
	s.stack[base] = h
	s.stack[base+1] = a
	s.stack[base+2] = b
	s.top = base + 3
	s.callSlot(base, 1)
	res := s.stack[base]
	s.top = base
	return res
}

// callMeta3 calls a metamethod with three arguments and no result.
func (s *State) callMeta3(h, a, b, c Value) {
	s.checkStack(4)
	base := s.top
	s.stack[base] = h
	s.stack[base+1] = a
	s.stack[base+2] = b
	s.stack[base+3] = c
	s.top = base + 4
	s.callSlot(base, 0)
	s.top = base
}

// callSlot invokes the value at fnSlot with the arguments between fnSlot+1
// and the stack top, producing nresults results starting at fnSlot
// (nresults < 0 preserves the natural count, leaving the top after the last
// result). Calling a non-function consults __call, inserting the handler as
// the callee and shifting the original value down to become the first
// argument.
func (s *State) callSlot(fnSlot, nresults int) {
	fv := s.stack[fnSlot]
	for depth := 0; !fv.IsFunction(); depth++ {
		if depth >= maxMetaDepth {
			s.RuntimeError("loop in call")
		}
		h := s.metamethod(fv, tmCall)
		if h.IsNil() {
			s.TypeError("call", fv)
		}
		s.checkStack(1)
		for i := s.top; i > fnSlot; i-- {
			s.stack[i] = s.stack[i-1]
		}
		s.top++
		s.stack[fnSlot] = h
		fv = h
	}

	cl := fv.Closure()
	if cl.IsGo() {
		s.callGo(cl, fnSlot, nresults)
		return
	}
	fr := s.precall(cl, fnSlot, nresults)
	s.execute(fr)
}

func (s *State) callGo(cl *Closure, fnSlot, nresults int) {
	s.pushFrame(callFrame{closure: cl, fnSlot: fnSlot, base: fnSlot + 1, nResults: nresults})
	n := cl.goFn(s)
	first := s.top - n
	s.finishResults(fnSlot, first, n, nresults)
	s.popFrame()
}

// precall reserves a frame and sets up the register window for a scripted
// callee. For a vararg function the fixed parameters are duplicated above
// the arguments, so that register 0 of the new frame is the first fixed
// parameter and the varargs sit immediately before the frame base; missing
// fixed parameters are padded with nil.
func (s *State) precall(cl *Closure, fnSlot, nresults int) *callFrame {
	p := cl.proto.fn
	nargs := s.top - fnSlot - 1

	var base, nvar int
	if p.HasVarArg {
		if nargs > p.NumParams {
			nvar = nargs - p.NumParams
		}
		base = s.top
		s.ensureStack(base + p.MaxStackSize)
		for i := 0; i < p.NumParams; i++ {
			if i < nargs {
				s.stack[base+i] = s.stack[fnSlot+1+i]
				s.stack[fnSlot+1+i] = Nil
			} else {
				s.stack[base+i] = Nil
			}
		}
	} else {
		base = fnSlot + 1
		s.ensureStack(base + p.MaxStackSize)
		for i := nargs; i < p.NumParams; i++ {
			s.stack[base+i] = Nil
		}
	}
	// fresh registers start out nil
	s.setRangeNil(base+p.NumParams, base+p.MaxStackSize)
	s.top = base + p.MaxStackSize

	return s.pushFrame(callFrame{
		closure:  cl,
		fnSlot:   fnSlot,
		base:     base,
		nVarargs: nvar,
		nResults: nresults,
	})
}

func (s *State) ensureStack(n int) {
	if n > len(s.stack) {
		s.RuntimeError("stack overflow")
	}
}

// finishResults moves n results from src down to dst, padding or truncating
// to the requested count; a negative request preserves the natural count.
func (s *State) finishResults(dst, src, n, nresults int) {
	want := nresults
	if want < 0 {
		want = n
	}
	for i := 0; i < want; i++ {
		if i < n {
			s.stack[dst+i] = s.stack[src+i]
		} else {
			s.stack[dst+i] = Nil
		}
	}
	s.top = dst + want
}
