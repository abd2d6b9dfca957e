package compiler

import "github.com/mna/lunes/lang/token"

// statements compiles a statement list until a block-closing token.
func (p *parser) statements() {
	for !blockFollow(p.tok) {
		if p.tok == token.RETURN {
			p.returnStmt()
			p.accept(token.SEMI)
			return // return must be the last statement of a block
		}
		p.statement()
		p.accept(token.SEMI)
		p.fn.freeReg = p.fn.numActive
	}
}

func blockFollow(tok token.Token) bool {
	switch tok {
	case token.EOF, token.END, token.ELSE, token.ELSEIF, token.UNTIL:
		return true
	}
	return false
}

func (p *parser) statement() {
	p.enterNesting()
	defer p.leaveNesting()

	switch p.tok {
	case token.IF:
		p.ifStmt()
	case token.WHILE:
		p.whileStmt()
	case token.DO:
		p.next()
		p.scopedBlock()
		p.expect(token.END)
	case token.FOR:
		p.forStmt()
	case token.REPEAT:
		p.repeatStmt()
	case token.FUNCTION:
		p.functionStmt()
	case token.LOCAL:
		p.next()
		if p.accept(token.FUNCTION) {
			p.localFunctionStmt()
		} else {
			p.localStmt()
		}
	case token.BREAK:
		p.breakStmt()
	case token.SEMI:
		p.next()
	default:
		p.exprStmt()
	}
}

// scopedBlock compiles a statement list in its own lexical block.
func (p *parser) scopedBlock() {
	p.enterBlock(false)
	p.statements()
	p.leaveBlock()
}

// condJump compiles a condition expression followed by a Test and a pending
// Jmp taken when the condition is false. It returns the Jmp position.
func (p *parser) condJump() int {
	e := p.expression()
	reg := p.exprToAnyReg(&e)
	p.freeTempReg(reg)
	p.emitABC(Test, reg, 0, 0)
	return p.jump()
}

func (p *parser) ifStmt() {
	p.next() // if
	jf := p.condJump()
	p.expect(token.THEN)
	p.fn.freeReg = p.fn.numActive
	p.scopedBlock()

	var escapes []int
	for p.tok == token.ELSEIF {
		escapes = append(escapes, p.jump())
		p.patchToHere(jf)
		p.next()
		jf = p.condJump()
		p.expect(token.THEN)
		p.fn.freeReg = p.fn.numActive
		p.scopedBlock()
	}
	if p.tok == token.ELSE {
		escapes = append(escapes, p.jump())
		p.patchToHere(jf)
		jf = -1
		p.next()
		p.scopedBlock()
	}
	p.expect(token.END)
	if jf >= 0 {
		p.patchToHere(jf)
	}
	for _, pc := range escapes {
		p.patchToHere(pc)
	}
}

func (p *parser) whileStmt() {
	p.next() // while
	start := p.here()
	jf := p.condJump()
	p.expect(token.DO)
	p.fn.freeReg = p.fn.numActive

	p.enterBlock(true)
	p.scopedBlock()
	p.expect(token.END)
	back := p.jump()
	p.patchJump(back, start)
	p.leaveBlock() // breaks land here
	p.patchToHere(jf)
}

func (p *parser) repeatStmt() {
	p.next()            // repeat
	p.enterBlock(true)  // loop block, for break
	p.enterBlock(false) // scope block; its locals stay visible in the condition
	start := p.here()
	p.statements()
	p.expect(token.UNTIL)

	// until condition: loop back while false
	e := p.expression()
	reg := p.exprToAnyReg(&e)
	p.freeTempReg(reg)
	p.emitABC(Test, reg, 0, 0)
	back := p.jump()
	p.patchJump(back, start)

	p.leaveBlock()
	p.leaveBlock()
}

func (p *parser) forStmt() {
	p.next() // for
	name := p.checkName()
	switch p.tok {
	case token.EQ:
		p.forNumStmt(name)
	case token.COMMA, token.IN:
		p.forInStmt(name)
	default:
		p.errorf("'=' or 'in' expected near %#v", p.tok)
	}
}

// forNumStmt compiles a numeric for: three hidden control locals (index,
// limit, step) plus the visible loop variable, driven by ForPrep/ForLoop.
func (p *parser) forNumStmt(name string) {
	fn := p.fn
	base := fn.freeReg

	p.next() // =
	init := p.expression()
	p.exprToNextReg(&init)
	p.expect(token.COMMA)
	limit := p.expression()
	p.exprToNextReg(&limit)
	if p.accept(token.COMMA) {
		step := p.expression()
		p.exprToNextReg(&step)
	} else {
		p.emitABx(LoadK, fn.freeReg, p.addConstant(1.0))
		p.reserveRegs(1)
	}

	p.enterBlock(true)
	p.addLocal("(for index)")
	p.addLocal("(for limit)")
	p.addLocal("(for step)")
	p.commitLocals()

	prep := p.emitAsBx(ForPrep, base, 0)

	p.enterBlock(false)
	p.addLocal(name)
	p.commitLocals()
	p.reserveRegs(1)
	p.expect(token.DO)
	p.statements()
	p.expect(token.END)
	p.leaveBlock()

	loop := p.emitAsBx(ForLoop, base, 0)
	p.patchJump(loop, prep+1)
	p.patchJump(prep, loop)
	p.leaveBlock() // breaks land after the ForLoop
}

// forInStmt compiles a generic for: the iterator triple in three hidden
// locals, TForLoop calling the iterator each round until the first result is
// nil.
func (p *parser) forInStmt(first string) {
	fn := p.fn
	names := []string{first}
	for p.accept(token.COMMA) {
		names = append(names, p.checkName())
	}
	p.expect(token.IN)

	base := fn.freeReg
	p.explistToRegs(3)

	p.enterBlock(true)
	p.addLocal("(for generator)")
	p.addLocal("(for state)")
	p.addLocal("(for control)")
	p.commitLocals()

	// the iterator call uses the three slots starting at base+3, where the
	// loop variables live
	p.setMaxStack(base + 3 + len(names))
	p.setMaxStack(base + 6)

	jmp := p.jump()
	bodyStart := p.here()

	p.enterBlock(false)
	for _, n := range names {
		p.addLocal(n)
	}
	p.commitLocals()
	p.reserveRegs(len(names))
	p.expect(token.DO)
	p.statements()
	p.expect(token.END)
	p.leaveBlock()

	p.patchToHere(jmp)
	p.emitABC(TForLoop, base, 0, len(names))
	back := p.jump()
	p.patchJump(back, bodyStart)
	p.leaveBlock() // breaks land after the back jump
}

func (p *parser) functionStmt() {
	p.next() // function
	target := p.singleVar(p.checkName())
	isMethod := false
	for p.tok == token.DOT {
		p.next()
		name := p.checkName()
		key := expr{kind: exprConstant, index: p.addConstant(name)}
		target = p.indexed(target, key)
	}
	if p.accept(token.COLON) {
		name := p.checkName()
		key := expr{kind: exprConstant, index: p.addConstant(name)}
		target = p.indexed(target, key)
		isMethod = true
	}
	body := p.funcBody(isMethod)
	p.storeVar(target, body)
}

func (p *parser) localFunctionStmt() {
	fn := p.fn
	name := p.checkName()
	reg := fn.freeReg
	p.addLocal(name)
	p.commitLocals() // visible to its own body, for recursion
	p.reserveRegs(1)
	body := p.funcBody(false)
	p.dischargeToReg(&body, reg)
}

func (p *parser) localStmt() {
	names := []string{p.checkName()}
	for p.accept(token.COMMA) {
		names = append(names, p.checkName())
	}
	for _, n := range names {
		p.addLocal(n)
	}

	if p.accept(token.EQ) {
		p.explistToRegs(len(names))
	} else {
		reg := p.fn.freeReg
		p.reserveRegs(len(names))
		p.emitABC(LoadNil, reg, reg+len(names)-1, 0)
	}
	p.commitLocals()
}

func (p *parser) breakStmt() {
	p.next() // break
	fn := p.fn

	needClose := false
	b := fn.block
	for b != nil && !b.isLoop {
		needClose = needClose || b.hasUpval
		b = b.prev
	}
	if b == nil {
		p.errorf("no loop to break")
	}
	if needClose || b.hasUpval {
		p.emitABC(Close, b.firstLocal, 0, 0)
	}
	b.breaks = append(b.breaks, p.jump())
}

func (p *parser) returnStmt() {
	p.next() // return
	fn := p.fn
	first := fn.freeReg

	if blockFollow(p.tok) || p.tok == token.SEMI {
		p.emitABC(Return, 0, 1, 0)
		return
	}

	n := 1
	e := p.expression()
	for p.accept(token.COMMA) {
		p.exprToNextReg(&e)
		e = p.expression()
		n++
	}

	switch {
	case n == 1 && e.kind == exprCall:
		// tail position: rewrite the Call into a TailCall
		code := fn.proto.Code
		inst := code[e.index]
		code[e.index] = EncodeABC(TailCall, inst.A(), inst.B(), 0)
		p.emitABC(Return, inst.A(), 0, 0)
	case e.isMultRet():
		p.setMultRet(&e)
		p.emitABC(Return, first, 0, 0)
	default:
		p.exprToNextReg(&e)
		p.emitABC(Return, first, n+1, 0)
	}
}

func (p *parser) exprStmt() {
	e := p.suffixedExpr()
	if p.tok == token.EQ || p.tok == token.COMMA {
		p.assignment(e)
		return
	}
	if e.kind != exprCall {
		p.errorf("syntax error near %#v", p.tok)
	}
	// a call statement discards all results; the Call was emitted with
	// zero results, nothing to resolve
}

func (p *parser) assignment(first expr) {
	p.checkAssignable(first)
	targets := []expr{first}
	for p.accept(token.COMMA) {
		t := p.suffixedExpr()
		p.checkAssignable(t)
		targets = append(targets, t)
	}
	p.expect(token.EQ)

	// assignment is semantically simultaneous: all values are evaluated
	// into fresh registers before any store happens
	vbase := p.fn.freeReg
	p.explistToRegs(len(targets))
	for i, t := range targets {
		p.storeVar(t, expr{kind: exprRegister, index: vbase + i})
	}
}

func (p *parser) checkAssignable(e expr) {
	switch e.kind {
	case exprLocal, exprUpval, exprGlobal, exprTable:
	default:
		p.errorf("cannot assign to this expression")
	}
}

// storeVar finalizes an assignment of e into the target variable.
func (p *parser) storeVar(target, e expr) {
	switch target.kind {
	case exprLocal:
		p.dischargeToReg(&e, target.index)
	case exprUpval:
		reg := p.exprToAnyReg(&e)
		p.emitABC(SetUpVal, reg, target.index, 0)
		p.freeTempReg(reg)
	case exprGlobal:
		reg := p.exprToAnyReg(&e)
		p.emitABx(SetGlobal, reg, target.index)
		p.freeTempReg(reg)
	case exprTable:
		rk := p.exprToRK(&e)
		p.emitABC(SetTable, target.index, target.key, rk)
		p.freeTempRK(rk)
	}
}

// explistToRegs compiles an expression list into exactly want consecutive
// registers starting at the current top: missing values are padded with nil,
// extra values are evaluated and discarded, and a final call or ... is
// adjusted to the number of remaining targets.
func (p *parser) explistToRegs(want int) {
	fn := p.fn
	base := fn.freeReg
	n := 1
	e := p.expression()
	for p.accept(token.COMMA) {
		p.exprToNextReg(&e)
		e = p.expression()
		n++
	}

	if e.isMultRet() {
		extra := want - n + 1
		if extra < 0 {
			extra = 0
		}
		p.setReturns(&e, extra)
	} else {
		p.exprToNextReg(&e)
		if n < want {
			reg := fn.freeReg
			p.reserveRegs(want - n)
			p.emitABC(LoadNil, reg, reg+want-n-1, 0)
		}
	}
	p.setMaxStack(base + want)
	fn.freeReg = base + want
}

// funcBody compiles a function body into a nested prototype and returns the
// descriptor for the pending Closure instruction. For methods, a hidden self
// parameter is prepended.
func (p *parser) funcBody(isMethod bool) expr {
	parent := p.fn
	child := newFunction(parent, parent.proto.Source)
	child.proto.LineDefined = p.val.Line
	p.fn = child

	p.enterBlock(false)
	if isMethod {
		p.addLocal("self")
		p.commitLocals()
		p.reserveRegs(1)
		child.proto.NumParams = 1
	}

	p.expect(token.LPAREN)
	for p.tok != token.RPAREN {
		if p.tok == token.DOTDOTDOT {
			p.next()
			child.proto.HasVarArg = true
			break
		}
		p.addLocal(p.checkName())
		child.proto.NumParams++
		if !p.accept(token.COMMA) {
			break
		}
	}
	p.commitLocals()
	p.fn.freeReg = p.fn.numActive
	p.setMaxStack(p.fn.numActive)
	p.expect(token.RPAREN)

	p.statements()
	child.proto.LastLineDefined = p.val.Line
	p.expect(token.END)
	p.leaveBlock()
	p.emitABC(Return, 0, 1, 0)

	p.fn = parent
	idx := len(parent.proto.Prototypes)
	parent.proto.Prototypes = append(parent.proto.Prototypes, child.proto)
	parent.childUps = append(parent.childUps, child.upvals)
	return expr{kind: exprFunction, index: idx}
}
