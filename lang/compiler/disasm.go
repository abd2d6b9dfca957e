package compiler

import (
	"fmt"
	"io"
	"strconv"
)

// Disasm writes a human-readable listing of the compiled prototype and its
// nested prototypes. The listing is meant for tooling and tests; it is not
// re-parseable.
func Disasm(p *Prototype, w io.Writer) error {
	pr := &printer{w: w}
	pr.function(p, "")
	return pr.err
}

type printer struct {
	w   io.Writer
	err error
}

func (pr *printer) printf(format string, args ...interface{}) {
	if pr.err == nil {
		_, pr.err = fmt.Fprintf(pr.w, format, args...)
	}
}

func (pr *printer) function(p *Prototype, indent string) {
	vararg := ""
	if p.HasVarArg {
		vararg = "+"
	}
	pr.printf("%sfunction <%s:%d> (%d instructions, %d%s params, %d slots, %d upvalues, %d constants)\n",
		indent, p.Source, p.LineDefined, len(p.Code), p.NumParams, vararg,
		p.MaxStackSize, len(p.UpValues), len(p.Constants))

	for i, c := range p.Constants {
		pr.printf("%s  const %d: %s\n", indent, i, constantString(c))
	}
	for i, name := range p.UpValues {
		pr.printf("%s  upval %d: %s\n", indent, i, name)
	}
	for pc, inst := range p.Code {
		pr.printf("%s  [%3d] line %-4d %s\n", indent, pc, p.Line(pc), instString(inst))
	}
	for _, sub := range p.Prototypes {
		pr.function(sub, indent+"    ")
	}
}

func constantString(c Constant) string {
	switch c := c.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(c)
	case float64:
		return strconv.FormatFloat(c, 'g', 14, 64)
	case string:
		return strconv.Quote(c)
	}
	return fmt.Sprintf("%v", c)
}

func rkString(rk int) string {
	if RKIsConstant(rk) {
		return "k" + strconv.Itoa(RKConstantIndex(rk))
	}
	return "r" + strconv.Itoa(rk)
}

func instString(inst Instruction) string {
	op := inst.Opcode()
	a, b, c := inst.A(), inst.B(), inst.C()
	switch op {
	case Move, Unm, Not, Len, GetUpVal, SetUpVal, TailCall, Return, VarArg, LoadNil:
		return fmt.Sprintf("%-12s %d %d", op, a, b)
	case LoadK, GetGlobal, SetGlobal, Closure:
		return fmt.Sprintf("%-12s %d %d", op, a, inst.Bx())
	case Jmp, ForPrep, ForLoop:
		return fmt.Sprintf("%-12s %d %+d", op, a, inst.SBx())
	case GetTable, GetTableRef, Self:
		return fmt.Sprintf("%-12s %d %d %s", op, a, b, rkString(c))
	case SetTable:
		return fmt.Sprintf("%-12s %d %s %s", op, a, rkString(b), rkString(c))
	case Add, Sub, Mul, Div, Mod, Pow, Eq, Lt, Le:
		return fmt.Sprintf("%-12s %d %s %s", op, a, rkString(b), rkString(c))
	case Close:
		return fmt.Sprintf("%-12s %d", op, a)
	default:
		return fmt.Sprintf("%-12s %d %d %d", op, a, b, c)
	}
}
