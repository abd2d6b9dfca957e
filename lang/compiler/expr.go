package compiler

import (
	"math"

	"github.com/mna/lunes/lang/token"
)

// An exprKind is the flavor of a parsed expression descriptor. Descriptors
// defer code emission: a number literal stays foldable, a local stays in its
// register, a table access stays unperformed, until the context forces a
// materialization.
type exprKind uint8

const (
	exprNil      exprKind = iota
	exprTrue              // literal true, not yet emitted
	exprFalse             // literal false, not yet emitted
	exprNumber            // folded literal in num, not yet emitted
	exprConstant          // index is a constant pool index
	exprLocal             // index is the register of a named local
	exprUpval             // index is an upvalue index
	exprGlobal            // index is the constant index of the name
	exprTable             // index is the table register, key the RK key
	exprRegister          // index is an anonymous temporary register
	exprFunction          // index is a nested prototype index
	exprCall              // index is the pc of the emitted Call
	exprVararg            // unresolved ... expansion, not yet emitted
)

type expr struct {
	kind  exprKind
	num   float64 // exprNumber literal value
	index int
	key   int // exprTable RK key
}

// isMultRet returns true for expressions that can produce a variable number
// of results.
func (e expr) isMultRet() bool { return e.kind == exprCall || e.kind == exprVararg }

// ---- finalization helpers ----

// dischargeToReg materializes the expression into a specific register.
func (p *parser) dischargeToReg(e *expr, reg int) {
	switch e.kind {
	case exprNil:
		p.emitABC(LoadNil, reg, reg, 0)
	case exprTrue:
		p.emitABC(LoadBool, reg, 1, 0)
	case exprFalse:
		p.emitABC(LoadBool, reg, 0, 0)
	case exprNumber:
		p.emitABx(LoadK, reg, p.addConstant(e.num))
	case exprConstant:
		p.emitABx(LoadK, reg, e.index)
	case exprLocal, exprRegister:
		if e.index != reg {
			p.emitABC(Move, reg, e.index, 0)
		}
	case exprUpval:
		p.emitABC(GetUpVal, reg, e.index, 0)
	case exprGlobal:
		p.emitABx(GetGlobal, reg, e.index)
	case exprTable:
		p.emitABC(GetTable, reg, e.index, e.key)
	case exprFunction:
		p.emitClosure(reg, e.index)
	case exprCall:
		p.resolveCall(e, 1)
		if base := e.index; base != reg {
			p.emitABC(Move, reg, base, 0)
		}
	case exprVararg:
		p.emitABC(VarArg, reg, 2, 0)
	}
	*e = expr{kind: exprRegister, index: reg}
}

// exprToNextReg materializes the expression into a fresh register at the top
// of the register stack.
func (p *parser) exprToNextReg(e *expr) {
	p.freeExprRegs(e)
	reg := p.fn.freeReg
	p.reserveRegs(1)
	p.dischargeToReg(e, reg)
}

// exprToAnyReg materializes the expression into some register and returns
// it: a named local or existing temporary is used in place.
func (p *parser) exprToAnyReg(e *expr) int {
	if e.kind == exprLocal || e.kind == exprRegister {
		return e.index
	}
	p.exprToNextReg(e)
	return e.index
}

// freeExprRegs releases the temporary registers held by an unmaterialized
// expression (the table and key registers of a pending table access).
func (p *parser) freeExprRegs(e *expr) {
	switch e.kind {
	case exprTable:
		p.freeTempRK(e.key)
		p.freeTempReg(e.index)
	case exprRegister:
		p.freeTempReg(e.index)
	}
}

// exprToRK materializes the expression into an RK operand: a constant pool
// index when the expression is a constant that fits, a register otherwise.
func (p *parser) exprToRK(e *expr) int {
	switch e.kind {
	case exprNil:
		if k := p.addConstant(nil); k <= MaxConstantsRK {
			return RKAsConstant(k)
		}
	case exprTrue:
		if k := p.addConstant(true); k <= MaxConstantsRK {
			return RKAsConstant(k)
		}
	case exprFalse:
		if k := p.addConstant(false); k <= MaxConstantsRK {
			return RKAsConstant(k)
		}
	case exprNumber:
		if k := p.addConstant(e.num); k <= MaxConstantsRK {
			*e = expr{kind: exprConstant, index: k}
			return RKAsConstant(k)
		}
	case exprConstant:
		if e.index <= MaxConstantsRK {
			return RKAsConstant(e.index)
		}
	}
	return p.exprToAnyReg(e)
}

// exprToValue resolves variable-result expressions (calls and ...) to
// exactly one value; other expressions are untouched.
func (p *parser) exprToValue(e *expr) {
	switch e.kind {
	case exprCall:
		p.resolveCall(e, 1)
	case exprVararg:
		reg := p.fn.freeReg
		p.reserveRegs(1)
		p.emitABC(VarArg, reg, 2, 0)
		*e = expr{kind: exprRegister, index: reg}
	}
}

// resolveCall fixes the result count of an emitted Call instruction and
// reserves the result registers. The descriptor becomes the base register.
func (p *parser) resolveCall(e *expr, nresults int) {
	code := p.fn.proto.Code
	inst := code[e.index]
	base := inst.A()
	code[e.index] = inst.WithC(nresults + 1)
	p.fn.freeReg = base
	p.reserveRegs(nresults)
	*e = expr{kind: exprRegister, index: base}
}

// setMultRet resolves a call or vararg expression to "all results": the
// values are left at the top of the stack at runtime and no register is
// reserved for them.
func (p *parser) setMultRet(e *expr) {
	switch e.kind {
	case exprCall:
		code := p.fn.proto.Code
		inst := code[e.index]
		code[e.index] = inst.WithC(0)
		p.fn.freeReg = inst.A()
	case exprVararg:
		p.emitABC(VarArg, p.fn.freeReg, 0, 0)
	}
}

// setReturns fixes a call or vararg expression to produce exactly n values
// in consecutive registers starting at the current top.
func (p *parser) setReturns(e *expr, n int) {
	switch e.kind {
	case exprCall:
		code := p.fn.proto.Code
		inst := code[e.index]
		base := inst.A()
		code[e.index] = inst.WithC(n + 1)
		p.fn.freeReg = base
		p.reserveRegs(n)
	case exprVararg:
		reg := p.fn.freeReg
		p.reserveRegs(n)
		p.emitABC(VarArg, reg, n+1, 0)
	}
}

func (p *parser) emitClosure(reg, protoIdx int) {
	p.emitABx(Closure, reg, protoIdx)
	// upvalue binding pseudo-instructions, consumed by the VM when it
	// builds the runtime closure
	for _, uv := range p.fn.childUps[protoIdx] {
		if uv.isLocal {
			p.emitABC(Move, 0, uv.index, 0)
		} else {
			p.emitABC(GetUpVal, 0, uv.index, 0)
		}
	}
}

// ---- operators ----

type opPrio struct{ left, right int }

var binaryPrio = map[token.Token]opPrio{
	token.OR:         {1, 1},
	token.AND:        {2, 2},
	token.LT:         {3, 3},
	token.GT:         {3, 3},
	token.LE:         {3, 3},
	token.GE:         {3, 3},
	token.NEQ:        {3, 3},
	token.EQEQ:       {3, 3},
	token.CONCAT:     {5, 4}, // right associative
	token.PLUS:       {6, 6},
	token.MINUS:      {6, 6},
	token.STAR:       {7, 7},
	token.SLASH:      {7, 7},
	token.PERCENT:    {7, 7},
	token.CIRCUMFLEX: {10, 9}, // right associative, binds tighter than unary
}

const unaryPrio = 8

func (p *parser) expression() expr {
	return p.subExpr(0)
}

func (p *parser) subExpr(limit int) expr {
	p.enterNesting()
	defer p.leaveNesting()

	var e expr
	switch p.tok {
	case token.NOT:
		p.next()
		e = p.subExpr(unaryPrio)
		p.applyNot(&e)
	case token.MINUS:
		p.next()
		e = p.subExpr(unaryPrio)
		p.applyUnm(&e)
	case token.POUND:
		p.next()
		e = p.subExpr(unaryPrio)
		reg := p.exprToAnyReg(&e)
		p.freeTempReg(reg)
		dst := p.fn.freeReg
		p.reserveRegs(1)
		p.emitABC(Len, dst, reg, 0)
		e = expr{kind: exprRegister, index: dst}
	default:
		e = p.simpleExpr()
	}

	for {
		prio, ok := binaryPrio[p.tok]
		if !ok || prio.left <= limit {
			break
		}
		op := p.tok
		p.next()

		switch op {
		case token.AND, token.OR:
			e = p.andOrExpr(e, op, prio.right)
		case token.CONCAT:
			e = p.concatExpr(e, prio.right)
		case token.PLUS, token.MINUS, token.STAR, token.SLASH, token.PERCENT, token.CIRCUMFLEX:
			e = p.arithExpr(e, op, prio.right)
		default:
			e = p.compareExpr(e, op, prio.right)
		}
	}
	return e
}

func (p *parser) applyNot(e *expr) {
	switch e.kind {
	case exprNil, exprFalse:
		*e = expr{kind: exprTrue}
	case exprTrue, exprNumber, exprConstant, exprFunction:
		*e = expr{kind: exprFalse}
	default:
		reg := p.exprToAnyReg(e)
		p.freeTempReg(reg)
		dst := p.fn.freeReg
		p.reserveRegs(1)
		p.emitABC(Not, dst, reg, 0)
		*e = expr{kind: exprRegister, index: dst}
	}
}

func (p *parser) applyUnm(e *expr) {
	if e.kind == exprNumber {
		e.num = -e.num
		return
	}
	reg := p.exprToAnyReg(e)
	p.freeTempReg(reg)
	dst := p.fn.freeReg
	p.reserveRegs(1)
	p.emitABC(Unm, dst, reg, 0)
	*e = expr{kind: exprRegister, index: dst}
}

var arithOpcodes = map[token.Token]Opcode{
	token.PLUS:       Add,
	token.MINUS:      Sub,
	token.STAR:       Mul,
	token.SLASH:      Div,
	token.PERCENT:    Mod,
	token.CIRCUMFLEX: Pow,
}

func foldArith(op token.Token, a, b float64) float64 {
	switch op {
	case token.PLUS:
		return a + b
	case token.MINUS:
		return a - b
	case token.STAR:
		return a * b
	case token.SLASH:
		return a / b
	case token.PERCENT:
		return a - math.Floor(a/b)*b
	case token.CIRCUMFLEX:
		return math.Pow(a, b)
	}
	panic("unreachable")
}

func (p *parser) arithExpr(left expr, op token.Token, rightPrio int) expr {
	// a literal left operand stays unemitted so that literal-literal
	// operations fold at compile time
	var lrk int
	materialized := left.kind != exprNumber
	if materialized {
		lrk = p.exprToRK(&left)
	}

	right := p.subExpr(rightPrio)
	if !materialized {
		if right.kind == exprNumber {
			return expr{kind: exprNumber, num: foldArith(op, left.num, right.num)}
		}
		// right is not foldable after all; note that operand registers
		// end up allocated out of source order, which is harmless for
		// arithmetic
		lrk = p.exprToRK(&left)
	}
	rrk := p.exprToRK(&right)

	p.freeTempRKs(lrk, rrk)
	dst := p.fn.freeReg
	p.reserveRegs(1)
	p.emitABC(arithOpcodes[op], dst, lrk, rrk)
	return expr{kind: exprRegister, index: dst}
}

// compareExpr emits a comparison paired with its following Jmp, then
// materializes the boolean result with the canonical LoadBool pair.
func (p *parser) compareExpr(left expr, op token.Token, rightPrio int) expr {
	lrk := p.exprToRK(&left)
	right := p.subExpr(rightPrio)
	rrk := p.exprToRK(&right)

	var cmpOp Opcode
	a := 1
	switch op {
	case token.EQEQ:
		cmpOp = Eq
	case token.NEQ:
		cmpOp, a = Eq, 0
	case token.LT:
		cmpOp = Lt
	case token.LE:
		cmpOp = Le
	case token.GT:
		cmpOp = Lt
		lrk, rrk = rrk, lrk
	case token.GE:
		cmpOp = Le
		lrk, rrk = rrk, lrk
	}

	p.freeTempRKs(lrk, rrk)
	dst := p.fn.freeReg
	p.reserveRegs(1)
	p.emitABC(cmpOp, a, lrk, rrk)
	p.emitAsBx(Jmp, 0, 1) // taken when the comparison matches A
	p.emitABC(LoadBool, dst, 0, 1)
	p.emitABC(LoadBool, dst, 1, 0)
	return expr{kind: exprRegister, index: dst}
}

// andOrExpr compiles short-circuit and/or: the left operand lands in the
// destination register, a Test or TestSet branches past the right operand on
// known truthiness, and the right operand is compiled into the same
// register.
func (p *parser) andOrExpr(left expr, op token.Token, rightPrio int) expr {
	cond := 0
	if op == token.OR {
		cond = 1
	}

	var dst int
	if left.kind == exprLocal {
		dst = p.fn.freeReg
		p.reserveRegs(1)
		p.emitABC(TestSet, dst, left.index, cond)
	} else {
		dst = p.exprToAnyReg(&left)
		p.emitABC(Test, dst, 0, cond)
	}
	jmp := p.jump()

	right := p.subExpr(rightPrio)
	p.dischargeToReg(&right, dst)
	p.fn.freeReg = dst + 1
	p.patchToHere(jmp)
	return expr{kind: exprRegister, index: dst}
}

// concatExpr compiles the right-associative .. operator over a range of
// consecutive registers, merging nested concatenations into a single
// instruction.
func (p *parser) concatExpr(left expr, rightPrio int) expr {
	p.exprToNextReg(&left)
	first := left.index

	right := p.subExpr(rightPrio)
	p.exprToNextReg(&right)

	// merge with a Concat just emitted for the right operand
	code := p.fn.proto.Code
	if last := len(code) - 1; last >= 0 && code[last].Opcode() == Concat && code[last].B() == first+1 {
		lastC := code[last].C()
		p.fn.proto.Code = code[:last]
		p.fn.proto.Lines = p.fn.proto.Lines[:last]
		p.fn.freeReg = first + 1
		p.emitABC(Concat, first, first, lastC)
	} else {
		p.fn.freeReg = first + 1
		p.emitABC(Concat, first, first, right.index)
	}
	return expr{kind: exprRegister, index: first}
}

// ---- primary and suffixed expressions ----

func (p *parser) simpleExpr() expr {
	switch p.tok {
	case token.NUMBER:
		e := expr{kind: exprNumber, num: p.val.Number}
		p.next()
		return e
	case token.STRING:
		e := expr{kind: exprConstant, index: p.addConstant(p.val.String)}
		p.next()
		return e
	case token.NIL:
		p.next()
		return expr{kind: exprNil}
	case token.TRUE:
		p.next()
		return expr{kind: exprTrue}
	case token.FALSE:
		p.next()
		return expr{kind: exprFalse}
	case token.DOTDOTDOT:
		if !p.fn.proto.HasVarArg {
			p.errorf("cannot use '...' outside a vararg function")
		}
		p.next()
		return expr{kind: exprVararg}
	case token.LBRACE:
		return p.tableConstructor()
	case token.FUNCTION:
		p.next()
		return p.funcBody(false)
	default:
		return p.suffixedExpr()
	}
}

func (p *parser) primaryExpr() expr {
	switch p.tok {
	case token.IDENT:
		name := p.val.Raw
		p.next()
		return p.singleVar(name)
	case token.LPAREN:
		p.next()
		e := p.expression()
		p.expect(token.RPAREN)
		p.exprToValue(&e)
		return e
	default:
		p.errorf("unexpected symbol near %#v", p.tok)
		return expr{}
	}
}

func (p *parser) suffixedExpr() expr {
	p.enterNesting()
	defer p.leaveNesting()

	e := p.primaryExpr()
	for {
		switch p.tok {
		case token.DOT:
			p.next()
			name := p.checkName()
			key := expr{kind: exprConstant, index: p.addConstant(name)}
			e = p.indexed(e, key)
		case token.LBRACK:
			p.next()
			key := p.expression()
			p.expect(token.RBRACK)
			e = p.indexed(e, key)
		case token.COLON:
			p.next()
			name := p.checkName()
			e = p.methodCall(e, name)
		case token.LPAREN, token.STRING, token.LBRACE:
			e = p.callExpr(e)
		default:
			return e
		}
	}
}

func (p *parser) indexed(e, key expr) expr {
	p.exprToValue(&e)
	var treg int
	if e.kind == exprTable {
		// chained access: the intermediate lookup is emitted as
		// GetTableRef, which the VM executes exactly as GetTable (the kind
		// of value an __index function returns is not checked)
		p.freeExprRegs(&e)
		treg = p.fn.freeReg
		p.reserveRegs(1)
		p.emitABC(GetTableRef, treg, e.index, e.key)
	} else {
		treg = p.exprToAnyReg(&e)
	}
	rk := p.exprToRK(&key)
	return expr{kind: exprTable, index: treg, key: rk}
}

// callExpr compiles the argument list and emits the Call instruction; the
// result count is left unresolved (zero results) until the context fixes it.
func (p *parser) callExpr(f expr) expr {
	p.exprToNextReg(&f)
	base := f.index

	multRet := false
	switch p.tok {
	case token.LPAREN:
		p.next()
		if p.tok != token.RPAREN {
			last := p.parseExprList()
			if last.isMultRet() {
				p.setMultRet(&last)
				multRet = true
			} else {
				p.exprToNextReg(&last)
			}
		}
		p.expect(token.RPAREN)
	case token.STRING:
		arg := expr{kind: exprConstant, index: p.addConstant(p.val.String)}
		p.next()
		p.exprToNextReg(&arg)
	case token.LBRACE:
		arg := p.tableConstructor()
		p.exprToNextReg(&arg)
	}

	b := p.fn.freeReg - base
	if multRet {
		b = 0
	}
	pc := p.emitABC(Call, base, b, 1)
	p.fn.freeReg = base
	return expr{kind: exprCall, index: pc}
}

// methodCall compiles o:name(...) using the Self instruction to load the
// method and set up the receiver.
func (p *parser) methodCall(e expr, name string) expr {
	p.exprToValue(&e)
	obj := p.exprToAnyReg(&e)
	p.freeTempReg(obj)

	base := p.fn.freeReg
	p.reserveRegs(2)
	key := expr{kind: exprConstant, index: p.addConstant(name)}
	rk := p.exprToRK(&key)
	p.emitABC(Self, base, obj, rk)

	multRet := false
	switch p.tok {
	case token.LPAREN:
		p.next()
		if p.tok != token.RPAREN {
			last := p.parseExprList()
			if last.isMultRet() {
				p.setMultRet(&last)
				multRet = true
			} else {
				p.exprToNextReg(&last)
			}
		}
		p.expect(token.RPAREN)
	case token.STRING:
		arg := expr{kind: exprConstant, index: p.addConstant(p.val.String)}
		p.next()
		p.exprToNextReg(&arg)
	case token.LBRACE:
		arg := p.tableConstructor()
		p.exprToNextReg(&arg)
	default:
		p.errorf("function arguments expected near %#v", p.tok)
	}

	b := p.fn.freeReg - base
	if multRet {
		b = 0
	}
	pc := p.emitABC(Call, base, b, 1)
	p.fn.freeReg = base
	return expr{kind: exprCall, index: pc}
}

// parseExprList parses a comma-separated expression list, materializing all
// but the last expression into consecutive registers. The last expression is
// returned unresolved so the caller controls its result count.
func (p *parser) parseExprList() expr {
	e := p.expression()
	for p.accept(token.COMMA) {
		p.exprToNextReg(&e)
		e = p.expression()
	}
	return e
}

// tableConstructor compiles { ... }: NewTable with size hints backpatched,
// SetTable for keyed items and SetList flushes for the array part.
func (p *parser) tableConstructor() expr {
	pc := p.emitABC(NewTable, p.fn.freeReg, 0, 0)
	treg := p.fn.freeReg
	p.reserveRegs(1)

	var narr, nhash, pending, block int
	flush := func(count int) {
		block++
		p.emitABC(SetList, treg, count, block)
		p.fn.freeReg = treg + 1
	}

	p.expect(token.LBRACE)
	for p.tok != token.RBRACE {
		switch {
		case p.tok == token.LBRACK:
			p.next()
			key := p.expression()
			p.expect(token.RBRACK)
			p.expect(token.EQ)
			krk := p.exprToRK(&key)
			val := p.expression()
			vrk := p.exprToRK(&val)
			p.freeTempRKs(krk, vrk)
			p.emitABC(SetTable, treg, krk, vrk)
			nhash++

		case p.tok == token.IDENT && p.peek() == token.EQ:
			name := p.val.Raw
			p.next() // the name
			p.next() // the =
			key := expr{kind: exprConstant, index: p.addConstant(name)}
			krk := p.exprToRK(&key)
			val := p.expression()
			vrk := p.exprToRK(&val)
			p.freeTempRKs(krk, vrk)
			p.emitABC(SetTable, treg, krk, vrk)
			nhash++

		default:
			item := p.expression()
			narr++
			if p.tok == token.RBRACE && item.isMultRet() {
				// a trailing call or ... expands to fill the array
				p.setMultRet(&item)
				p.emitABC(SetList, treg, 0, block+1)
				p.fn.freeReg = treg + 1
				pending = 0
				goto done
			}
			p.exprToNextReg(&item)
			pending++
			if pending == FieldsPerFlush {
				flush(pending)
				pending = 0
			}
		}

		if !p.accept(token.COMMA) && !p.accept(token.SEMI) {
			break
		}
	}
done:
	if pending > 0 {
		flush(pending)
	}
	p.expect(token.RBRACE)

	code := p.fn.proto.Code
	code[pc] = code[pc].WithB(clampHint(narr)).WithC(clampHint(nhash))
	return expr{kind: exprRegister, index: treg}
}

func clampHint(n int) int {
	if n > 0x1ff {
		return 0x1ff
	}
	return n
}
