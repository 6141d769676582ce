package peephole

import (
	"sentra/internal/bytecode"
)

// Config holds the optimizer's one recognized tuning knob (spec.md §6).
// It is passed by value into Optimize, OptimizeBlocks and OptimizeAll
// rather than read from a package-level global, so two Optimize calls with different limits can
// run concurrently over disjoint code objects without interfering with
// each other (spec.md §5).
type Config struct {
	// MaxSize bounds the element count (or, for a shifted integer, the
	// bit length) of any constant a fold produces. Exceeding it aborts
	// that one fold; it never raises an error.
	MaxSize int
}

// DefaultConfig matches spec.md §6's documented default.
func DefaultConfig() Config {
	return Config{MaxSize: 20}
}

func (c Config) maxSize() int {
	if c.MaxSize <= 0 {
		return DefaultConfig().MaxSize
	}
	return c.MaxSize
}

var unaryOps = map[bytecode.OpCode]bool{
	bytecode.OpUnaryPositive: true,
	bytecode.OpNegate:        true,
	bytecode.OpUnaryInvert:   true,
	bytecode.OpNot:           true,
}

var binaryOps = map[bytecode.OpCode]bool{
	bytecode.OpAdd: true, bytecode.OpSub: true, bytecode.OpMul: true,
	bytecode.OpDiv: true, bytecode.OpFloorDiv: true, bytecode.OpMod: true,
	bytecode.OpPow: true, bytecode.OpLShift: true, bytecode.OpRShift: true,
	bytecode.OpBitAnd: true, bytecode.OpBitOr: true, bytecode.OpBitXor: true,
}

func isBuildSequence(op bytecode.OpCode) bool {
	return op == bytecode.OpArray || op == bytecode.OpBuildList
}

// foldConstants applies spec.md §4.D's constant-folding rules to instrs
// by scanning left to right until one rule fires, splicing in its
// replacement, and starting the scan again from the beginning, until a
// whole scan finds nothing to fold. A fold's result is therefore visible
// to every rule on the next scan — the mechanism behind cascades like
// folding `1 + 3 + 7` down to `11` in one call.
func foldConstants(instrs []Instr, cfg Config) ([]Instr, bool) {
	changed := false
	for {
		next, didFold := foldConstantsPass(instrs, cfg)
		instrs = next
		if !didFold {
			return instrs, changed
		}
		changed = true
	}
}

func foldConstantsPass(instrs []Instr, cfg Config) ([]Instr, bool) {
	for i := range instrs {
		if out, ok := tryUnaryFold(instrs, i); ok {
			return splice(instrs, i, i+2, out), true
		}
		if out, ok := tryBinaryFold(instrs, i, cfg); ok {
			return splice(instrs, i, i+3, out), true
		}
		if out, ok := tryBuildTupleFold(instrs, i, cfg); ok {
			return out.instrs, true
		}
		if out, ok := tryBuildListCompareFold(instrs, i, cfg); ok {
			return out.instrs, true
		}
		if out, ok := tryBuildSetCompareFold(instrs, i, cfg); ok {
			return out.instrs, true
		}
		if out, ok := tryUnpackAfterBuild(instrs, i); ok {
			return out.instrs, true
		}
	}
	return instrs, false
}

func tryUnaryFold(instrs []Instr, i int) (Instr, bool) {
	if i+1 >= len(instrs) {
		return Instr{}, false
	}
	load, op := instrs[i], instrs[i+1]
	if load.Op != bytecode.OpConstant || !unaryOps[op.Op] {
		return Instr{}, false
	}
	c, ok := load.Arg.(ConstArg)
	if !ok {
		return Instr{}, false
	}
	result, ok := tryUnary(op.Op, c.Value)
	if !ok {
		return Instr{}, false
	}
	return MustInstr(bytecode.OpConstant, ConstArg{Value: result}, load.Line), true
}

func tryBinaryFold(instrs []Instr, i int, cfg Config) (Instr, bool) {
	if i+2 >= len(instrs) {
		return Instr{}, false
	}
	loadA, loadB, op := instrs[i], instrs[i+1], instrs[i+2]
	if loadA.Op != bytecode.OpConstant || loadB.Op != bytecode.OpConstant || !binaryOps[op.Op] {
		return Instr{}, false
	}
	a, aok := loadA.Arg.(ConstArg)
	b, bok := loadB.Arg.(ConstArg)
	if !aok || !bok {
		return Instr{}, false
	}
	result, ok := tryBinary(op.Op, a.Value, b.Value)
	if !ok {
		return Instr{}, false
	}
	if sz, bounded := resultSize(op.Op, result); bounded && sz > cfg.maxSize() {
		return Instr{}, false
	}
	return MustInstr(bytecode.OpConstant, ConstArg{Value: result}, loadA.Line), true
}

type spliced struct{ instrs []Instr }

// tryBuildTupleFold matches `n` LOAD_CONSTs immediately followed by
// BUILD_TUPLE n and replaces all n+1 instructions with one LOAD_CONST of
// the tuple (spec.md §4.D).
func tryBuildTupleFold(instrs []Instr, i int, cfg Config) (spliced, bool) {
	if instrs[i].Op != bytecode.OpBuildTuple {
		return spliced{}, false
	}
	n, ok := arity(instrs[i])
	if !ok || n > i || n > cfg.maxSize() {
		return spliced{}, false
	}
	values, ok := constPrefix(instrs, i-n, n)
	if !ok {
		return spliced{}, false
	}
	load := MustInstr(bytecode.OpConstant, ConstArg{Value: Tuple(values)}, instrs[i-n].Line)
	return spliced{instrs: splice(instrs, i-n, i+1, load)}, true
}

// tryBuildListCompareFold matches a BUILD_LIST n of constants directly
// followed by an `in`/`not in` COMPARE_OP and folds the list into a
// tuple constant, keeping the compare (spec.md §4.D) — a list's
// constant-foldability only holds when it's immediately consumed as a
// membership test, since a folded list would otherwise be a mutable
// value masquerading as a constant.
func tryBuildListCompareFold(instrs []Instr, i int, cfg Config) (spliced, bool) {
	if !isBuildSequence(instrs[i].Op) {
		return spliced{}, false
	}
	if i+1 >= len(instrs) || !isMembershipCompare(instrs[i+1]) {
		return spliced{}, false
	}
	n, ok := arity(instrs[i])
	if !ok || n > i || n > cfg.maxSize() {
		return spliced{}, false
	}
	values, ok := constPrefix(instrs, i-n, n)
	if !ok {
		return spliced{}, false
	}
	load := MustInstr(bytecode.OpConstant, ConstArg{Value: Tuple(values)}, instrs[i-n].Line)
	return spliced{instrs: splice(instrs, i-n, i+1, load)}, true
}

// tryBuildSetCompareFold is tryBuildListCompareFold's BUILD_SET
// counterpart, folding into a FrozenSet. Aborts if any member isn't
// hashable.
func tryBuildSetCompareFold(instrs []Instr, i int, cfg Config) (spliced, bool) {
	if instrs[i].Op != bytecode.OpBuildSet {
		return spliced{}, false
	}
	if i+1 >= len(instrs) || !isMembershipCompare(instrs[i+1]) {
		return spliced{}, false
	}
	n, ok := arity(instrs[i])
	if !ok || n > i || n > cfg.maxSize() {
		return spliced{}, false
	}
	values, ok := constPrefix(instrs, i-n, n)
	if !ok {
		return spliced{}, false
	}
	set := make(FrozenSet, n)
	for _, v := range values {
		if !hashable(v) {
			return spliced{}, false
		}
		set[v] = struct{}{}
	}
	load := MustInstr(bytecode.OpConstant, ConstArg{Value: set}, instrs[i-n].Line)
	return spliced{instrs: splice(instrs, i-n, i+1, load)}, true
}

func isMembershipCompare(instr Instr) bool {
	if instr.Op != bytecode.OpCompare {
		return false
	}
	c, ok := instr.Arg.(CompareArg)
	return ok && (c.Kind == bytecode.CompareIn || c.Kind == bytecode.CompareNotIn)
}

// tryUnpackAfterBuild matches BUILD_TUPLE/BUILD_LIST n immediately
// followed by UNPACK_SEQUENCE n (spec.md §4.D): n=1 is a pure round
// trip and both instructions are dropped; n=2 becomes ROT_TWO; n=3
// becomes ROT_THREE, ROT_TWO; n>=4 is left unchanged (no rotation
// sequence is worth introducing past 3 elements).
func tryUnpackAfterBuild(instrs []Instr, i int) (spliced, bool) {
	build := instrs[i]
	if build.Op != bytecode.OpBuildTuple && !isBuildSequence(build.Op) {
		return spliced{}, false
	}
	if i+1 >= len(instrs) || instrs[i+1].Op != bytecode.OpUnpackSequence {
		return spliced{}, false
	}
	n, ok := arity(build)
	if !ok {
		return spliced{}, false
	}
	m, ok := arity(instrs[i+1])
	if !ok || m != n {
		return spliced{}, false
	}

	line := build.Line
	switch n {
	case 1:
		return spliced{instrs: splice(instrs, i, i+2)}, true
	case 2:
		return spliced{instrs: splice(instrs, i, i+2, MustInstr(bytecode.OpRotTwo, NoArg{}, line))}, true
	case 3:
		return spliced{instrs: splice(instrs, i, i+2,
			MustInstr(bytecode.OpRotThree, NoArg{}, line),
			MustInstr(bytecode.OpRotTwo, NoArg{}, line),
		)}, true
	default:
		return spliced{}, false
	}
}

func arity(instr Instr) (int, bool) {
	a, ok := instr.Arg.(IntArg)
	if !ok {
		return 0, false
	}
	return a.N, true
}

// constPrefix returns the constant values of instrs[start:start+n] if
// every one of them is a LOAD_CONST, or ok == false otherwise.
func constPrefix(instrs []Instr, start, n int) ([]interface{}, bool) {
	if start < 0 || start+n > len(instrs) {
		return nil, false
	}
	values := make([]interface{}, n)
	for j := 0; j < n; j++ {
		c, ok := instrs[start+j].Arg.(ConstArg)
		if instrs[start+j].Op != bytecode.OpConstant || !ok {
			return nil, false
		}
		values[j] = c.Value
	}
	return values, true
}

// splice returns a new slice equal to instrs with [from:to) replaced by
// replacement. The optimizer never mutates instrs in place.
func splice(instrs []Instr, from, to int, replacement ...Instr) []Instr {
	out := make([]Instr, 0, len(instrs)-(to-from)+len(replacement))
	out = append(out, instrs[:from]...)
	out = append(out, replacement...)
	out = append(out, instrs[to:]...)
	return out
}
