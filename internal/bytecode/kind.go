package bytecode

// Kind classifies an opcode's role for the peephole optimizer: it never
// needs to know what an instruction does, only what shape it has.
type Kind int

const (
	KindOther Kind = iota
	KindLoad
	KindStore
	KindUnary
	KindBinary
	KindCompare
	KindBuildContainer
	KindJump
	KindReturn
	KindRotate
	KindPop
)

var kinds = map[OpCode]Kind{
	OpConstant:     KindLoad,
	OpGetGlobal:    KindLoad,
	OpGetLocal:     KindLoad,
	OpGetUpvalue:   KindLoad,
	OpLoadFast:     KindLoad,
	OpNil:          KindLoad,
	OpDefineGlobal: KindStore,
	OpSetGlobal:    KindStore,
	OpSetLocal:     KindStore,
	OpSetUpvalue:   KindStore,
	OpStoreFast:    KindStore,

	OpNegate:        KindUnary,
	OpNot:           KindUnary,
	OpUnaryPositive: KindUnary,
	OpUnaryInvert:   KindUnary,

	OpAdd: KindBinary, OpSub: KindBinary, OpMul: KindBinary, OpDiv: KindBinary,
	OpMod: KindBinary, OpAnd: KindBinary, OpOr: KindBinary,
	OpFloorDiv: KindBinary, OpPow: KindBinary, OpLShift: KindBinary, OpRShift: KindBinary,
	OpBitAnd: KindBinary, OpBitOr: KindBinary, OpBitXor: KindBinary,

	OpEqual: KindCompare, OpNotEqual: KindCompare, OpGreater: KindCompare,
	OpLess: KindCompare, OpGreaterEqual: KindCompare, OpLessEqual: KindCompare,
	OpCompare: KindCompare,

	OpArray: KindBuildContainer, OpMap: KindBuildContainer,
	OpBuildTuple: KindBuildContainer, OpBuildSet: KindBuildContainer,
	OpBuildList: KindBuildContainer,

	OpJump: KindJump, OpJumpIfFalse: KindJump, OpLoop: KindJump,
	OpPopJumpIfTrue: KindJump, OpPopJumpIfFalse: KindJump, OpJumpAbsolute: KindJump,

	OpReturn: KindReturn,

	OpRotTwo: KindRotate, OpRotThree: KindRotate,

	OpPop: KindPop,
}

// KindOf reports the structural role of op. Opcodes with no entry are
// KindOther (calls, container mutation, concurrency, etc.) — the
// optimizer does not need to reason about their stack effect beyond what
// the specific peephole rule matching them already knows.
func KindOf(op OpCode) Kind {
	if k, ok := kinds[op]; ok {
		return k
	}
	return KindOther
}

// unconditionalJumps have exactly one successor: their target.
var unconditionalJumps = map[OpCode]bool{
	OpJump:         true,
	OpLoop:         true,
	OpJumpAbsolute: true,
}

// conditionalJumps have two successors: target and fall-through.
var conditionalJumps = map[OpCode]bool{
	OpJumpIfFalse:    true,
	OpPopJumpIfTrue:  true,
	OpPopJumpIfFalse: true,
}

// HasJumpTarget reports whether op's argument is a label.
func HasJumpTarget(op OpCode) bool {
	return unconditionalJumps[op] || conditionalJumps[op]
}

// IsUnconditionalJump reports whether op always transfers control to its
// target and never falls through.
func IsUnconditionalJump(op OpCode) bool {
	return unconditionalJumps[op]
}

// IsConditionalJump reports whether op transfers control to its target
// or, failing that condition, falls through to the next instruction.
func IsConditionalJump(op OpCode) bool {
	return conditionalJumps[op]
}

// IsReturn reports whether op unconditionally ends the current frame.
func IsReturn(op OpCode) bool {
	return op == OpReturn
}
