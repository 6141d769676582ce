package peephole

import (
	"fmt"
	"sort"

	"sentra/internal/bytecode"
)

// IndexArg carries a jump target as a position in a flat instruction
// slice — the representation a bytecode decoder/encoder understands,
// used only at the boundary of the block IR (FlatInstr), never inside a
// Block (spec.md §4.C: "it is the emitter's job to assign byte offsets
// and resolve labels", so by the time instructions live in blocks every
// jump target is a label, not an offset).
type IndexArg struct{ Pos int }

func (IndexArg) isArg() {}

// FlatInstr is one decoded instruction in a flat program: the shape
// spec.md §6 says an external decoder hands the optimizer, before
// ToBlocks groups it into basic blocks, and the shape Flatten hands back
// for an external encoder to assign offsets over.
type FlatInstr struct {
	Op   bytecode.OpCode
	Arg  Arg
	Line int
}

func (f FlatInstr) jumpTarget() (int, bool) {
	if idx, ok := f.Arg.(IndexArg); ok {
		return idx.Pos, true
	}
	return 0, false
}

// ToBlocks builds a BlockList from a flat instruction stream (spec.md
// §4.C): it scans once to find every position targeted by a jump, plus
// the position immediately after every jump or return, and splits the
// stream into blocks at those boundaries. Line numbers are carried over
// unchanged onto each instruction.
func ToBlocks(flat []FlatInstr) (*BlockList, error) {
	if len(flat) == 0 {
		return NewBlockList(), nil
	}

	boundary := map[int]bool{0: true}
	for i, instr := range flat {
		if target, ok := instr.jumpTarget(); ok {
			if target < 0 || target >= len(flat) {
				return nil, &DanglingLabel{Target: BlockID(target)}
			}
			boundary[target] = true
		}
		if bytecode.HasJumpTarget(instr.Op) || bytecode.IsReturn(instr.Op) {
			if i+1 < len(flat) {
				boundary[i+1] = true
			}
		}
	}

	starts := make([]int, 0, len(boundary))
	for pos := range boundary {
		starts = append(starts, pos)
	}
	sort.Ints(starts)

	list := NewBlockList()
	posToBlock := make(map[int]BlockID, len(starts))
	for i, start := range starts {
		end := len(flat)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		instrs := make([]Instr, 0, end-start)
		for _, f := range flat[start:end] {
			arg := f.Arg
			if target, ok := f.jumpTarget(); ok {
				// Resolved to a real BlockID once every block exists,
				// in the second pass below; placeholder for now.
				arg = LabelArg{Target: BlockID(target)}
			}
			instrs = append(instrs, Instr{Op: f.Op, Arg: arg, Line: f.Line})
		}
		b := list.Append(instrs)
		posToBlock[start] = b.ID
	}

	// Second pass: IndexArg positions were carried through as raw flat
	// positions in LabelArg above; remap them to the BlockID that
	// actually starts there.
	for _, b := range list.Blocks() {
		for i, instr := range b.Instrs {
			if l, ok := instr.Arg.(LabelArg); ok {
				resolved, found := posToBlock[int(l.Target)]
				if !found {
					return nil, &DanglingLabel{Target: l.Target}
				}
				b.Instrs[i] = instr.WithTarget(resolved)
			}
		}
	}

	return list, nil
}

// reachable returns the set of block IDs reachable from the entry block
// by following each block's terminator target and/or fall-through
// successor (spec.md §4.C).
func reachable(list *BlockList) map[BlockID]bool {
	entry, ok := list.Entry()
	if !ok {
		return nil
	}
	seen := map[BlockID]bool{entry.ID: true}
	stack := []BlockID{entry.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		b, _ := list.Lookup(id)

		if term, ok := b.Terminator(); ok {
			if target, isJump := term.Target(); isJump {
				if !seen[target] {
					seen[target] = true
					stack = append(stack, target)
				}
			}
		}
		if b.FallsThrough() {
			if succ, ok := list.Successor(id); ok && !seen[succ.ID] {
				seen[succ.ID] = true
				stack = append(stack, succ.ID)
			}
		}
	}
	return seen
}

// Flatten lowers a BlockList back to a flat instruction stream (spec.md
// §4.C): it drops every block unreachable from the entry, then emits
// the survivors in list order with jump targets still expressed as
// IndexArg positions into the *output* stream — an external encoder
// resolves those into byte offsets.
func Flatten(list *BlockList) ([]FlatInstr, error) {
	live := reachable(list)
	blocks := list.Blocks()

	start := make(map[BlockID]int, len(blocks))
	flatLen := 0
	for _, b := range blocks {
		if !live[b.ID] {
			continue
		}
		start[b.ID] = flatLen
		flatLen += len(b.Instrs)
	}

	out := make([]FlatInstr, 0, flatLen)
	lastLive := BlockID(-1)
	for _, b := range blocks {
		if !live[b.ID] {
			continue
		}
		for _, instr := range b.Instrs {
			f := FlatInstr{Op: instr.Op, Arg: instr.Arg, Line: instr.Line}
			if target, ok := instr.Target(); ok {
				pos, found := start[target]
				if !found {
					return nil, &DanglingLabel{Target: target}
				}
				f.Arg = IndexArg{Pos: pos}
			}
			out = append(out, f)
		}
		lastLive = b.ID
	}

	if lastLive != -1 {
		if last, _ := list.Lookup(lastLive); last.FallsThrough() {
			return nil, &MalformedBlocks{Last: lastLive}
		}
	}

	return out, nil
}

// blockString is a small debug helper that formats a block as a short
// label; nothing in the package calls it, and it is not part of the
// public conversion API.
func blockString(b *Block) string {
	return fmt.Sprintf("block%d(%d instrs)", b.ID, len(b.Instrs))
}
