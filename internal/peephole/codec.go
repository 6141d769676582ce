package peephole

import (
	"fmt"

	"sentra/internal/bytecode"
)

// operandWidth reports how many operand bytes follow op in a Chunk's
// Code array — the same table vm.go's instruction dispatch loop reads
// against (readByte for a one-byte operand, readShort for a two-byte
// one), so Decode stays in lockstep with how the VM itself steps
// through a chunk. Opcodes absent from both sets take no operand.
func operandWidth(op bytecode.OpCode) int {
	switch op {
	case bytecode.OpConstant,
		bytecode.OpGetLocal, bytecode.OpSetLocal,
		bytecode.OpLoadFast, bytecode.OpStoreFast,
		bytecode.OpGetGlobal, bytecode.OpSetGlobal, bytecode.OpDefineGlobal,
		bytecode.OpCall, bytecode.OpImport, bytecode.OpExport:
		return 1
	case bytecode.OpArray, bytecode.OpBuildList, bytecode.OpMap, bytecode.OpBuildMap,
		bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpLoop, bytecode.OpTry:
		return 2
	// Block-structured opcodes the peephole optimizer introduces
	// (spec.md §4.B); the compiler doesn't emit these yet, but the codec
	// still needs a stable on-disk shape for them once it does.
	case bytecode.OpBuildTuple, bytecode.OpBuildSet, bytecode.OpUnpackSequence,
		bytecode.OpPopJumpIfTrue, bytecode.OpPopJumpIfFalse, bytecode.OpJumpAbsolute:
		return 2
	case bytecode.OpCompare:
		return 1
	default:
		return 0
	}
}

func isRelativeJump(op bytecode.OpCode) bool {
	switch op {
	case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpLoop,
		bytecode.OpPopJumpIfTrue, bytecode.OpPopJumpIfFalse:
		return true
	default:
		return false
	}
}

// Decode turns a chunk's flat byte-coded program into the instruction
// array form the rest of this package (ToBlocks, Flatten, the fold and
// control rules) operates on — one FlatInstr per opcode, jump targets
// resolved from vm.go's byte-offset arithmetic into instruction
// positions in the returned slice.
func Decode(chunk *bytecode.Chunk) ([]FlatInstr, error) {
	code := chunk.Code
	starts := make([]int, 0, len(code))
	for ip := 0; ip < len(code); {
		starts = append(starts, ip)
		ip += 1 + operandWidth(bytecode.OpCode(code[ip]))
	}
	posOf := make(map[int]int, len(starts))
	for i, ip := range starts {
		posOf[ip] = i
	}

	out := make([]FlatInstr, 0, len(starts))
	for i, ip := range starts {
		op := bytecode.OpCode(code[ip])
		width := operandWidth(op)
		line := chunk.GetDebugInfo(ip).Line

		var arg Arg = NoArg{}
		switch {
		case op == bytecode.OpConstant:
			arg = ConstArg{Value: chunk.Constants[code[ip+1]]}
		case op == bytecode.OpGetGlobal || op == bytecode.OpSetGlobal || op == bytecode.OpDefineGlobal ||
			op == bytecode.OpImport || op == bytecode.OpExport:
			name, _ := chunk.Constants[code[ip+1]].(string)
			arg = NameArg{Name: name}
		case op == bytecode.OpGetLocal || op == bytecode.OpSetLocal ||
			op == bytecode.OpLoadFast || op == bytecode.OpStoreFast:
			arg = LocalArg{Index: int(code[ip+1])}
		case op == bytecode.OpCompare:
			arg = CompareArg{Kind: bytecode.CompareKind(code[ip+1])}
		case op == bytecode.OpBuildTuple || op == bytecode.OpBuildSet ||
			op == bytecode.OpUnpackSequence || op == bytecode.OpArray ||
			op == bytecode.OpBuildList || op == bytecode.OpMap || op == bytecode.OpBuildMap:
			arg = IntArg{N: int(readUint16(code, ip+1))}
		case op == bytecode.OpCall:
			arg = IntArg{N: int(code[ip+1])}
		case op == bytecode.OpTry:
			arg = IntArg{N: int(readUint16(code, ip+1))}
		case isRelativeJump(op):
			rel := int(readUint16(code, ip+1))
			next := ip + 1 + width
			var target int
			if op == bytecode.OpLoop {
				target = next - rel
			} else {
				target = next + rel
			}
			pos, found := posOf[target]
			if !found {
				return nil, fmt.Errorf("peephole: decode: jump at instruction %d targets mid-instruction offset %d", i, target)
			}
			arg = IndexArg{Pos: pos}
		case op == bytecode.OpJumpAbsolute:
			target := int(readUint16(code, ip+1))
			pos, found := posOf[target]
			if !found {
				return nil, fmt.Errorf("peephole: decode: absolute jump at instruction %d targets mid-instruction offset %d", i, target)
			}
			arg = IndexArg{Pos: pos}
		}

		out = append(out, FlatInstr{Op: op, Arg: arg, Line: line})
	}
	return out, nil
}

func readUint16(code []byte, at int) uint16 {
	return uint16(code[at])<<8 | uint16(code[at+1])
}

// Encode is Decode's inverse: it lowers an optimized instruction array
// back into a Chunk, re-emitting each operand in vm.go's own encoding
// (relative forward offsets for OpJump/OpJumpIfFalse, a relative
// backward offset for OpLoop, an absolute instruction-start byte offset
// for OpJumpAbsolute; OpTry's catch offset is written back unchanged, as
// Decode read it) and rebuilding the constant pool from whatever
// constants folding left behind, deduplicating by value so a repeated
// fold doesn't grow the pool.
func Encode(flat []FlatInstr) (*bytecode.Chunk, error) {
	chunk := bytecode.NewChunk()
	constIndex := map[interface{}]int{}

	starts := make([]int, len(flat))
	ip := 0
	for i, f := range flat {
		starts[i] = ip
		ip += 1 + operandWidth(f.Op)
	}

	for i, f := range flat {
		debug := bytecode.DebugInfo{Line: f.Line}
		chunk.WriteOpWithDebug(f.Op, debug)

		switch arg := f.Arg.(type) {
		case ConstArg:
			idx, ok := constIndex[constKey(arg.Value)]
			if !ok {
				idx = chunk.AddConstant(arg.Value)
				constIndex[constKey(arg.Value)] = idx
			}
			chunk.WriteByteWithDebug(byte(idx), debug)
		case NameArg:
			idx, ok := constIndex[constKey(arg.Name)]
			if !ok {
				idx = chunk.AddConstant(arg.Name)
				constIndex[constKey(arg.Name)] = idx
			}
			chunk.WriteByteWithDebug(byte(idx), debug)
		case LocalArg:
			chunk.WriteByteWithDebug(byte(arg.Index), debug)
		case CompareArg:
			chunk.WriteByteWithDebug(byte(arg.Kind), debug)
		case IntArg:
			if f.Op == bytecode.OpCall {
				chunk.WriteByteWithDebug(byte(arg.N), debug)
			} else {
				writeUint16(chunk, uint16(arg.N), debug)
			}
		case IndexArg:
			target := starts[arg.Pos]
			if f.Op == bytecode.OpJumpAbsolute {
				writeUint16(chunk, uint16(target), debug)
				continue
			}
			next := starts[i] + 1 + operandWidth(f.Op)
			var rel int
			if f.Op == bytecode.OpLoop {
				rel = next - target
			} else {
				rel = target - next
			}
			if rel < 0 {
				return nil, fmt.Errorf("peephole: encode: %v at instruction %d has a negative relative offset; only OpLoop threads backward", f.Op, i)
			}
			writeUint16(chunk, uint16(rel), debug)
		}
	}
	return chunk, nil
}

func writeUint16(chunk *bytecode.Chunk, v uint16, debug bytecode.DebugInfo) {
	chunk.WriteByteWithDebug(byte(v>>8), debug)
	chunk.WriteByteWithDebug(byte(v&0xff), debug)
}

// constKey maps a constant-pool value to a key usable in a Go map. Most
// values Sentra constants hold (numbers, strings, bools, nil) are
// already comparable; anything else (a folded Tuple or FrozenSet) is
// keyed by its formatted form, which is enough to deduplicate equal
// folds without requiring the value itself to support ==.
func constKey(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, float64, complex128, string:
		return v
	default:
		return fmt.Sprintf("%#v", v)
	}
}
