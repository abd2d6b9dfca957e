package compiler

// A Constant is an entry of a prototype's constant pool: nil, a bool, a
// float64 or a string.
type Constant interface{}

// A Prototype is the compiled form of a single function body. It is stateless
// and shareable; the machine pairs it with upvalues and an environment to
// create a callable closure. Prototypes are serialized by Dump, which must be
// updated whenever this declaration is changed.
type Prototype struct {
	Source          string // name of the chunk that defined the function
	LineDefined     int
	LastLineDefined int

	NumParams    int
	HasVarArg    bool
	MaxStackSize int // number of registers the function requires

	Code       []Instruction
	Constants  []Constant
	Prototypes []*Prototype

	// Lines maps each instruction to the source line it was generated
	// from. Empty when the chunk was compiled without debug information.
	Lines []int32

	UpValues []string // names of the function's upvalues
	Locals   []string // names of the declared locals, parameters first
}

// Line returns the source line for the instruction at pc, or 0 if no debug
// information was recorded.
func (p *Prototype) Line(pc int) int {
	if pc >= 0 && pc < len(p.Lines) {
		return int(p.Lines[pc])
	}
	return 0
}
