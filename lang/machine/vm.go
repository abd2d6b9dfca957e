package machine

import (
	"github.com/mna/lunes/lang/compiler"
)

// execute runs the fetch-decode-dispatch loop for a scripted frame until its
// Return. Nested calls recurse through callSlot; tail calls replace the
// frame in place so the call stack does not grow.
func (s *State) execute(fr *callFrame) {
	cl := fr.closure
	rp := cl.proto
	p := rp.fn
	code := p.Code
	k := rp.constants
	base := fr.base

	// reload the cached frame state after a tail call replaced the frame
	reload := func() {
		cl = fr.closure
		rp = cl.proto
		p = rp.fn
		code = p.Code
		k = rp.constants
		base = fr.base
	}

	rk := func(i int) Value {
		if compiler.RKIsConstant(i) {
			return k[compiler.RKConstantIndex(i)]
		}
		return s.stack[base+i]
	}

	for {
		inst := code[fr.ip]
		fr.ip++

		switch op := inst.Opcode(); op {
		case compiler.Move:
			s.stack[base+inst.A()] = s.stack[base+inst.B()]

		case compiler.LoadK:
			s.stack[base+inst.A()] = k[inst.Bx()]

		case compiler.LoadBool:
			s.stack[base+inst.A()] = Boolean(inst.B() != 0)
			if inst.C() != 0 {
				fr.ip++
			}

		case compiler.LoadNil:
			for i := inst.A(); i <= inst.B(); i++ {
				s.stack[base+i] = Nil
			}

		case compiler.GetUpVal:
			s.stack[base+inst.A()] = cl.upvals[inst.B()].get(s)

		case compiler.SetUpVal:
			cl.upvals[inst.B()].set(s, s.stack[base+inst.A()])

		case compiler.GetGlobal:
			s.stack[base+inst.A()] = s.index(tableValue(cl.env), k[inst.Bx()])

		case compiler.SetGlobal:
			s.setIndex(tableValue(cl.env), k[inst.Bx()], s.stack[base+inst.A()])

		case compiler.GetTable, compiler.GetTableRef:
			s.stack[base+inst.A()] = s.index(s.stack[base+inst.B()], rk(inst.C()))

		case compiler.SetTable:
			s.setIndex(s.stack[base+inst.A()], rk(inst.B()), rk(inst.C()))

		case compiler.NewTable:
			s.stack[base+inst.A()] = tableValue(s.NewTable(inst.B(), inst.C()))

		case compiler.Self:
			obj := s.stack[base+inst.B()]
			s.stack[base+inst.A()+1] = obj
			s.stack[base+inst.A()] = s.index(obj, rk(inst.C()))

		case compiler.Add, compiler.Sub, compiler.Mul, compiler.Div, compiler.Mod, compiler.Pow:
			s.stack[base+inst.A()] = s.arith(op, rk(inst.B()), rk(inst.C()))

		case compiler.Unm:
			s.stack[base+inst.A()] = s.arithUnm(s.stack[base+inst.B()])

		case compiler.Not:
			s.stack[base+inst.A()] = Boolean(!s.stack[base+inst.B()].Truth())

		case compiler.Len:
			s.stack[base+inst.A()] = s.length(s.stack[base+inst.B()])

		case compiler.Concat:
			s.stack[base+inst.A()] = s.concatStack(base+inst.B(), base+inst.C())

		case compiler.Jmp:
			fr.ip += inst.SBx()

		case compiler.Eq:
			if s.equalVals(rk(inst.B()), rk(inst.C())) != (inst.A() != 0) {
				fr.ip++ // skip the paired Jmp
			}

		case compiler.Lt:
			if s.lessThan(rk(inst.B()), rk(inst.C())) != (inst.A() != 0) {
				fr.ip++
			}

		case compiler.Le:
			if s.lessEqual(rk(inst.B()), rk(inst.C())) != (inst.A() != 0) {
				fr.ip++
			}

		case compiler.Test:
			if s.stack[base+inst.A()].Truth() != (inst.C() != 0) {
				fr.ip++
			}

		case compiler.TestSet:
			if v := s.stack[base+inst.B()]; v.Truth() == (inst.C() != 0) {
				s.stack[base+inst.A()] = v
			} else {
				fr.ip++
			}

		case compiler.Call:
			fnSlot := base + inst.A()
			if b := inst.B(); b != 0 {
				s.top = fnSlot + b
			}
			s.callSlot(fnSlot, inst.C()-1)
			if inst.C() != 0 {
				s.top = base + p.MaxStackSize
			}

		case compiler.TailCall:
			fnSlot := base + inst.A()
			if b := inst.B(); b != 0 {
				s.top = fnSlot + b
			}
			nargs := s.top - fnSlot - 1
			nres := fr.nResults
			dst := fr.fnSlot

			s.closeUpValues(base)
			for i := 0; i <= nargs; i++ {
				s.stack[dst+i] = s.stack[fnSlot+i]
			}
			s.top = dst + 1 + nargs

			fv := s.stack[dst]
			for depth := 0; !fv.IsFunction(); depth++ {
				if depth >= maxMetaDepth {
					s.RuntimeError("loop in call")
				}
				h := s.metamethod(fv, tmCall)
				if h.IsNil() {
					s.TypeError("call", fv)
				}
				s.checkStack(1)
				for i := s.top; i > dst; i-- {
					s.stack[i] = s.stack[i-1]
				}
				s.top++
				s.stack[dst] = h
				fv = h
			}

			callee := fv.Closure()
			if callee.IsGo() {
				s.popFrame()
				s.callGo(callee, dst, nres)
				return
			}
			// replace the frame in place and continue executing
			s.popFrame()
			fr = s.precall(callee, dst, nres)
			reload()

		case compiler.Return:
			a := inst.A()
			n := inst.B() - 1
			if n < 0 {
				n = s.top - (base + a)
			}
			s.closeUpValues(base)
			s.finishResults(fr.fnSlot, base+a, n, fr.nResults)
			s.popFrame()
			return

		case compiler.ForPrep:
			a := inst.A()
			s.forCoerce(base+a, "initial")
			s.forCoerce(base+a+1, "limit")
			s.forCoerce(base+a+2, "step")
			s.stack[base+a] = Number(s.stack[base+a].num - s.stack[base+a+2].num)
			fr.ip += inst.SBx()

		case compiler.ForLoop:
			a := inst.A()
			step := s.stack[base+a+2].num
			idx := s.stack[base+a].num + step
			limit := s.stack[base+a+1].num
			s.stack[base+a] = Number(idx)
			if (step > 0 && idx <= limit) || (step <= 0 && idx >= limit) {
				fr.ip += inst.SBx()
				s.stack[base+a+3] = Number(idx)
			}

		case compiler.TForLoop:
			a := inst.A()
			cb := base + a + 3
			s.stack[cb] = s.stack[base+a]
			s.stack[cb+1] = s.stack[base+a+1]
			s.stack[cb+2] = s.stack[base+a+2]
			s.top = cb + 3
			s.callSlot(cb, inst.C())
			s.top = base + p.MaxStackSize
			if !s.stack[cb].IsNil() {
				s.stack[base+a+2] = s.stack[cb]
			} else {
				fr.ip++ // skip the Jmp back to the loop body
			}

		case compiler.SetList:
			a := inst.A()
			tv := s.stack[base+a]
			if !tv.IsTable() {
				s.TypeError("index", tv)
			}
			n := inst.B()
			if n == 0 {
				n = s.top - (base + a) - 1
				s.top = base + p.MaxStackSize
			}
			start := (inst.C() - 1) * compiler.FieldsPerFlush
			t := tv.Table()
			for i := 1; i <= n; i++ {
				t.SetInt(s, start+i, s.stack[base+a+i])
			}

		case compiler.Close:
			s.closeUpValues(base + inst.A())

		case compiler.Closure:
			proto := rp.protos[inst.Bx()]
			nup := proto.NumUpValues()
			ups := make([]*UpValue, nup)
			for i := 0; i < nup; i++ {
				pseudo := code[fr.ip]
				fr.ip++
				if pseudo.Opcode() == compiler.Move {
					ups[i] = s.findOrCreateUpValue(base + pseudo.B())
				} else {
					ups[i] = cl.upvals[pseudo.B()]
				}
			}
			s.stack[base+inst.A()] = closureValue(s.newClosure(proto, cl.env, ups))

		case compiler.VarArg:
			a := inst.A()
			n := fr.nVarargs
			want := inst.B() - 1
			if want < 0 {
				want = n
				s.top = base + a + n
			}
			for i := 0; i < want; i++ {
				if i < n {
					s.stack[base+a+i] = s.stack[base-n+i]
				} else {
					s.stack[base+a+i] = Nil
				}
			}

		default:
			s.RuntimeError("invalid instruction %d", uint32(inst))
		}
	}
}

// forCoerce validates a numeric-for control value, coercing strings to
// numbers in place.
func (s *State) forCoerce(slot int, what string) {
	v := s.stack[slot]
	if v.tag == TagNumber {
		return
	}
	if n, ok := ToNumberValue(v); ok {
		s.stack[slot] = Number(n)
		return
	}
	s.RuntimeError("'for' %s value must be a number", what)
}
