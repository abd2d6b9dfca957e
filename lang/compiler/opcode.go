package compiler

import "fmt"

// Increment this to force recompilation of saved bytecode chunks.
const Version = 0x51

// An Instruction is a 32-bit encoded virtual machine instruction. The opcode
// occupies the low 6 bits, A the next 8 bits, then either the 18-bit Bx (or
// signed sBx) field or the 9-bit C and B fields:
//
//	opcode | A:8 | C:9 | B:9
//	opcode | A:8 | Bx:18
type Instruction uint32

type Opcode uint8

// Register-based instruction set. R[x] denotes a register, K[x] a constant,
// RK[x] a register when x < 256 and the constant K[x-256] otherwise, U[x] an
// upvalue and P[x] a nested prototype.
const ( //nolint:revive
	Move        Opcode = iota // A B     R[A] = R[B]
	LoadK                     // A Bx    R[A] = K[Bx]
	LoadBool                  // A B C   R[A] = bool(B); if C, skip next instruction
	LoadNil                   // A B     R[A..B] = nil (inclusive)
	GetUpVal                  // A B     R[A] = U[B]
	GetGlobal                 // A Bx    R[A] = env[K[Bx]]
	GetTable                  // A B C   R[A] = R[B][RK[C]]
	SetGlobal                 // A Bx    env[K[Bx]] = R[A]
	SetUpVal                  // A B     U[B] = R[A]
	SetTable                  // A B C   R[A][RK[B]] = RK[C]
	NewTable                  // A B C   R[A] = {} with array hint B, hash hint C
	Self                      // A B C   R[A+1] = R[B]; R[A] = R[B][RK[C]]
	Add                       // A B C   R[A] = RK[B] + RK[C]
	Sub                       // A B C   R[A] = RK[B] - RK[C]
	Mul                       // A B C   R[A] = RK[B] * RK[C]
	Div                       // A B C   R[A] = RK[B] / RK[C]
	Mod                       // A B C   R[A] = RK[B] % RK[C]
	Pow                       // A B C   R[A] = RK[B] ^ RK[C]
	Unm                       // A B     R[A] = -R[B]
	Not                       // A B     R[A] = not R[B]
	Len                       // A B     R[A] = #R[B]
	Concat                    // A B C   R[A] = R[B] .. ... .. R[C]
	Jmp                       // sBx     pc += sBx
	Eq                        // A B C   if (RK[B] == RK[C]) == A, execute the following Jmp, else skip it
	Lt                        // A B C   if (RK[B] <  RK[C]) == A, execute the following Jmp, else skip it
	Le                        // A B C   if (RK[B] <= RK[C]) == A, execute the following Jmp, else skip it
	Test                      // A C     if truth(R[A]) == C, execute the following Jmp, else skip it
	TestSet                   // A B C   if truth(R[B]) == C, R[A] = R[B] and execute the following Jmp, else skip it
	Call                      // A B C   R[A..A+C-2] = R[A](R[A+1..A+B-1]); B=0: args to top, C=0: all results
	TailCall                  // A B     return R[A](R[A+1..A+B-1])
	Return                    // A B     return R[A..A+B-2]; B=0: to top
	ForLoop                   // A sBx   R[A] += R[A+2]; if still in range, R[A+3] = R[A], pc += sBx
	ForPrep                   // A sBx   R[A] -= R[A+2]; pc += sBx
	TForLoop                  // A C     R[A+3..A+2+C] = R[A](R[A+1], R[A+2]); if R[A+3] ~= nil, R[A+2] = R[A+3], else skip next Jmp
	SetList                   // A B C   R[A][(C-1)*50+i] = R[A+i] for i in 1..B; B=0: to top
	Close                     // A       close upvalues with slot >= A
	Closure                   // A Bx    R[A] = closure(P[Bx]); followed by one pseudo Move/GetUpVal per upvalue
	VarArg                    // A B     R[A..A+B-2] = varargs; B=0: all, adjust top
	GetTableRef               // A B C   as GetTable; marks an intermediate lookup of a chained access (the VM executes it as GetTable)

	NumOpcodes
)

const (
	// FieldsPerFlush is the number of array items accumulated before a
	// SetList instruction flushes them into the table.
	FieldsPerFlush = 50

	// MaxRegisters is the maximum number of registers of a single function.
	MaxRegisters = 250

	// MaxConstantsRK is the highest constant index encodable as an RK
	// operand.
	MaxConstantsRK = 255

	// RKConstantBit is set in a 9-bit RK operand when it refers to the
	// constant pool instead of a register.
	RKConstantBit = 1 << 8

	// MaxBx and MaxSBx bound the 18-bit (signed) Bx field.
	MaxBx  = 1<<18 - 1
	MaxSBx = MaxBx >> 1
)

// EncodeABC encodes a 3-argument instruction with args A B C.
func EncodeABC(op Opcode, a, b, c int) Instruction {
	return Instruction(op) | Instruction(a)<<6 | Instruction(c)<<14 | Instruction(b)<<23
}

// EncodeABx encodes a 2-argument instruction with args A Bx.
func EncodeABx(op Opcode, a, bx int) Instruction {
	return Instruction(op) | Instruction(a)<<6 | Instruction(bx)<<14
}

// EncodeAsBx encodes a 2-argument instruction with args A sBx.
func EncodeAsBx(op Opcode, a, sbx int) Instruction {
	return EncodeABx(op, a, sbx+MaxSBx)
}

func (i Instruction) Opcode() Opcode { return Opcode(i & 0x3f) }
func (i Instruction) A() int         { return int(i>>6) & 0xff }
func (i Instruction) B() int         { return int(i>>23) & 0x1ff }
func (i Instruction) C() int         { return int(i>>14) & 0x1ff }
func (i Instruction) Bx() int        { return int(i>>14) & 0x3ffff }
func (i Instruction) SBx() int       { return i.Bx() - MaxSBx }

// WithA returns the instruction with its A field replaced.
func (i Instruction) WithA(a int) Instruction {
	return i&^(0xff<<6) | Instruction(a)<<6
}

// WithB returns the instruction with its B field replaced.
func (i Instruction) WithB(b int) Instruction {
	return i&^(0x1ff<<23) | Instruction(b)<<23
}

// WithC returns the instruction with its C field replaced.
func (i Instruction) WithC(c int) Instruction {
	return i&^(0x1ff<<14) | Instruction(c)<<14
}

// WithSBx returns the instruction with its sBx field replaced.
func (i Instruction) WithSBx(sbx int) Instruction {
	return i&^(0x3ffff<<14) | Instruction(sbx+MaxSBx)<<14
}

// RKIsConstant returns true if the 9-bit RK operand refers to the constant
// pool.
func RKIsConstant(rk int) bool { return rk&RKConstantBit != 0 }

// RKConstantIndex returns the constant pool index of an RK operand.
func RKConstantIndex(rk int) int { return rk &^ RKConstantBit }

// RKAsConstant encodes a constant pool index as an RK operand.
func RKAsConstant(index int) int { return index | RKConstantBit }

var opcodeNames = [...]string{
	Move:        "move",
	LoadK:       "loadk",
	LoadBool:    "loadbool",
	LoadNil:     "loadnil",
	GetUpVal:    "getupval",
	GetGlobal:   "getglobal",
	GetTable:    "gettable",
	SetGlobal:   "setglobal",
	SetUpVal:    "setupval",
	SetTable:    "settable",
	NewTable:    "newtable",
	Self:        "self",
	Add:         "add",
	Sub:         "sub",
	Mul:         "mul",
	Div:         "div",
	Mod:         "mod",
	Pow:         "pow",
	Unm:         "unm",
	Not:         "not",
	Len:         "len",
	Concat:      "concat",
	Jmp:         "jmp",
	Eq:          "eq",
	Lt:          "lt",
	Le:          "le",
	Test:        "test",
	TestSet:     "testset",
	Call:        "call",
	TailCall:    "tailcall",
	Return:      "return",
	ForLoop:     "forloop",
	ForPrep:     "forprep",
	TForLoop:    "tforloop",
	SetList:     "setlist",
	Close:       "close",
	Closure:     "closure",
	VarArg:      "vararg",
	GetTableRef: "gettableref",
}

func (op Opcode) String() string {
	if op < NumOpcodes {
		return opcodeNames[op]
	}
	return fmt.Sprintf("illegal op (%d)", uint8(op))
}
