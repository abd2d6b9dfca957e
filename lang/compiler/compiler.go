// Package compiler implements the single-pass compiler: a hand-written
// recursive-descent parser that consumes the token stream and emits
// register-based bytecode directly into the Prototype under construction,
// without building a syntax tree. Expressions are represented by small
// descriptors that defer materialization into registers until the context
// requires it, so constants, locals and table accesses avoid unnecessary
// moves. The package also provides serialization of compiled chunks and a
// disassembler.
package compiler

import (
	"fmt"
	gotoken "go/token"

	"github.com/mna/lunes/lang/scanner"
	"github.com/mna/lunes/lang/token"
)

const (
	maxLocals   = 200
	maxUpValues = 60
	maxNesting  = 200
)

// Compile parses the source buffer and returns the Prototype of the
// top-level function, a vararg function named after the chunk. On failure it
// returns a scanner.ErrorList error.
func Compile(filename string, src []byte) (proto *Prototype, err error) {
	p := &parser{filename: filename}
	p.scan.Init(filename, src, func(pos gotoken.Position, msg string) {
		p.errs.Add(pos, msg)
		panic(compileAbort{})
	})

	defer func() {
		if e := recover(); e != nil {
			if _, ok := e.(compileAbort); !ok {
				panic(e)
			}
			proto, err = nil, p.errs.Err()
		}
	}()

	p.fn = newFunction(nil, filename)
	p.fn.proto.HasVarArg = true
	p.next()
	p.enterBlock(false)
	p.statements()
	p.expect(token.EOF)
	p.leaveBlock()
	p.emitABC(Return, 0, 1, 0)
	return p.fn.proto, nil
}

// compileAbort is the panic payload that unwinds compilation on the first
// error.
type compileAbort struct{}

type parser struct {
	scan     scanner.Scanner
	filename string
	errs     scanner.ErrorList

	tok token.Token
	val token.Value

	// one-token lookahead, so that the current token can be put back and
	// re-read after peeking at the next one
	aheadTok token.Token
	aheadVal token.Value
	hasAhead bool

	fn       *function
	depth    int // statement/expression nesting, bounded by maxNesting
	lastLine int // line of the most recently consumed token, for debug info
}

// A function is the scratch state of a Prototype under construction: the
// growing instruction vector lives in proto, while register allocation,
// active locals, the constant index and the lexical block stack live here.
type function struct {
	parent     *function
	proto      *Prototype
	constIndex map[Constant]int
	locals     []string // active locals; register i holds locals[i]
	numActive  int      // committed (visible) locals
	freeReg    int      // first free register
	block      *block
	upvals     []upvalDesc
	childUps   [][]upvalDesc // upvalue bindings of each nested prototype
}

// An upvalDesc records how an upvalue of a function binds in the enclosing
// function: to one of its locals (by register) or to one of its own upvalues
// (by index).
type upvalDesc struct {
	name    string
	index   int
	isLocal bool
}

// A block is a lexical scope: it records the first local it declared,
// whether it is a loop (the target of break), the backpatch chain of break
// jumps, and whether any of its locals is captured as an upvalue and must be
// closed when the block ends.
type block struct {
	prev       *block
	firstLocal int
	isLoop     bool
	breaks     []int
	hasUpval   bool
}

func newFunction(parent *function, source string) *function {
	return &function{
		parent:     parent,
		proto:      &Prototype{Source: source, MaxStackSize: 2},
		constIndex: make(map[Constant]int),
	}
}

// ---- token stream ----

func (p *parser) next() {
	if p.val.Line > 0 {
		p.lastLine = p.val.Line
	}
	if p.hasAhead {
		p.tok, p.val = p.aheadTok, p.aheadVal
		p.hasAhead = false
		return
	}
	p.tok = p.scan.Scan(&p.val)
}

// peek returns the token following the current one without consuming the
// current token.
func (p *parser) peek() token.Token {
	if !p.hasAhead {
		p.aheadTok = p.scan.Scan(&p.aheadVal)
		p.hasAhead = true
	}
	return p.aheadTok
}

func (p *parser) accept(tok token.Token) bool {
	if p.tok == tok {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(tok token.Token) {
	if p.tok != tok {
		p.errorf("%#v expected near %#v", tok, p.tok)
	}
	p.next()
}

func (p *parser) checkName() string {
	if p.tok != token.IDENT {
		p.errorf("name expected near %#v", p.tok)
	}
	name := p.val.Raw
	p.next()
	return name
}

func (p *parser) errorf(format string, args ...interface{}) {
	p.errs.Add(gotoken.Position{Filename: p.filename, Line: p.val.Line}, fmt.Sprintf(format, args...))
	panic(compileAbort{})
}

func (p *parser) enterNesting() {
	p.depth++
	if p.depth > maxNesting {
		p.errorf("chunk has too many syntax levels")
	}
}

func (p *parser) leaveNesting() { p.depth-- }

// ---- code emission ----

func (p *parser) emit(inst Instruction) int {
	fn := p.fn
	fn.proto.Code = append(fn.proto.Code, inst)
	fn.proto.Lines = append(fn.proto.Lines, int32(p.lastLine))
	return len(fn.proto.Code) - 1
}

func (p *parser) emitABC(op Opcode, a, b, c int) int {
	return p.emit(EncodeABC(op, a, b, c))
}

func (p *parser) emitABx(op Opcode, a, bx int) int {
	return p.emit(EncodeABx(op, a, bx))
}

func (p *parser) emitAsBx(op Opcode, a, sbx int) int {
	return p.emit(EncodeAsBx(op, a, sbx))
}

// here returns the position where the next instruction will be emitted.
func (p *parser) here() int { return len(p.fn.proto.Code) }

// jump emits a placeholder Jmp to be patched later.
func (p *parser) jump() int {
	return p.emitAsBx(Jmp, 0, 0)
}

// patchToHere patches the jump at pc to target the next emitted instruction.
func (p *parser) patchToHere(pc int) {
	p.patchJump(pc, p.here())
}

func (p *parser) patchJump(pc, target int) {
	offset := target - pc - 1
	if offset > MaxSBx || offset < -MaxSBx {
		p.errorf("control structure too long")
	}
	code := p.fn.proto.Code
	code[pc] = code[pc].WithSBx(offset)
}

// ---- registers ----

func (p *parser) reserveRegs(n int) {
	fn := p.fn
	fn.freeReg += n
	if fn.freeReg > MaxRegisters {
		p.errorf("function or expression too complex")
	}
	if fn.freeReg > fn.proto.MaxStackSize {
		fn.proto.MaxStackSize = fn.freeReg
	}
}

// setMaxStack raises the recorded register requirement without reserving,
// for instructions that use scratch slots above the allocated registers.
func (p *parser) setMaxStack(n int) {
	if n > p.fn.proto.MaxStackSize {
		if n > MaxRegisters {
			p.errorf("function or expression too complex")
		}
		p.fn.proto.MaxStackSize = n
	}
}

// freeTempReg releases a temporary register if it is the most recently
// reserved one. Locals are never released this way.
func (p *parser) freeTempReg(reg int) {
	fn := p.fn
	if reg >= fn.numActive && reg == fn.freeReg-1 {
		fn.freeReg--
	}
}

// freeTempRK releases the register of an RK operand when it is a temporary.
func (p *parser) freeTempRK(rk int) {
	if !RKIsConstant(rk) {
		p.freeTempReg(rk)
	}
}

// freeTempRKs releases two RK operands in the proper order (highest register
// first).
func (p *parser) freeTempRKs(rk1, rk2 int) {
	if !RKIsConstant(rk1) && (RKIsConstant(rk2) || rk1 > rk2) {
		p.freeTempRK(rk1)
		p.freeTempRK(rk2)
		return
	}
	p.freeTempRK(rk2)
	p.freeTempRK(rk1)
}

// ---- constants ----

func (p *parser) addConstant(c Constant) int {
	fn := p.fn
	if idx, ok := fn.constIndex[c]; ok {
		return idx
	}
	idx := len(fn.proto.Constants)
	fn.proto.Constants = append(fn.proto.Constants, c)
	fn.constIndex[c] = idx
	return idx
}

// ---- locals and blocks ----

// addLocal declares a local without making it visible; commitLocals makes
// all pending declarations visible. The separation is what makes
// `local a = a` refer to the outer a.
func (p *parser) addLocal(name string) {
	fn := p.fn
	if len(fn.locals) >= maxLocals {
		p.errorf("too many local variables")
	}
	fn.locals = append(fn.locals, name)
	fn.proto.Locals = append(fn.proto.Locals, name)
}

func (p *parser) commitLocals() {
	p.fn.numActive = len(p.fn.locals)
}

func (p *parser) enterBlock(isLoop bool) {
	p.fn.block = &block{
		prev:       p.fn.block,
		firstLocal: p.fn.numActive,
		isLoop:     isLoop,
	}
}

func (p *parser) leaveBlock() {
	fn := p.fn
	b := fn.block
	fn.block = b.prev

	if b.hasUpval {
		p.emitABC(Close, b.firstLocal, 0, 0)
	}
	fn.locals = fn.locals[:b.firstLocal]
	fn.numActive = b.firstLocal
	fn.freeReg = b.firstLocal
	for _, pc := range b.breaks {
		p.patchToHere(pc)
	}
}

// markUpval flags the innermost block of fn that contains the local at reg,
// so that the block emits Close on exit.
func markUpval(fn *function, reg int) {
	b := fn.block
	for b != nil && b.firstLocal > reg {
		b = b.prev
	}
	if b != nil {
		b.hasUpval = true
	}
}

// ---- name resolution ----

// singleVar resolves a name to a local, an upvalue (adding pass-through
// upvalues to intermediate functions as needed) or a global access.
func (p *parser) singleVar(name string) expr {
	if e, found := p.resolveVar(p.fn, name); found {
		return e
	}
	return expr{kind: exprGlobal, index: p.addConstant(name)}
}

func (p *parser) resolveVar(fn *function, name string) (expr, bool) {
	for i := fn.numActive - 1; i >= 0; i-- {
		if fn.locals[i] == name {
			return expr{kind: exprLocal, index: i}, true
		}
	}
	for i, uv := range fn.upvals {
		if uv.name == name {
			return expr{kind: exprUpval, index: i}, true
		}
	}
	if fn.parent == nil {
		return expr{}, false
	}
	pe, found := p.resolveVar(fn.parent, name)
	if !found {
		return expr{}, false
	}
	switch pe.kind {
	case exprLocal:
		markUpval(fn.parent, pe.index)
		return expr{kind: exprUpval, index: p.addUpval(fn, name, pe.index, true)}, true
	case exprUpval:
		return expr{kind: exprUpval, index: p.addUpval(fn, name, pe.index, false)}, true
	}
	return expr{}, false
}

func (p *parser) addUpval(fn *function, name string, index int, isLocal bool) int {
	if len(fn.upvals) >= maxUpValues {
		p.errorf("too many upvalues")
	}
	fn.upvals = append(fn.upvals, upvalDesc{name: name, index: index, isLocal: isLocal})
	fn.proto.UpValues = append(fn.proto.UpValues, name)
	return len(fn.upvals) - 1
}
