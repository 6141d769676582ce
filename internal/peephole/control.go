package peephole

import "sentra/internal/bytecode"

// rewriteControlFlow applies spec.md §4.E's control-flow rules to one
// block at a time: dead-code elimination after an unconditional block
// exit, UNARY_NOT/COMPARE_OP fusion with a following conditional jump,
// and jump-to-jump / jump-to-return threading against the rest of the
// list. It reports whether it replaced any block's instructions.
func rewriteControlFlow(list *BlockList, cfg Config) bool {
	changed := false
	for _, b := range list.Blocks() {
		if out, ok := eliminateDeadCode(b.Instrs); ok {
			list.Replace(b.ID, out)
			changed = true
		}
	}
	for _, b := range list.Blocks() {
		if out, ok := fuseNot(b.Instrs); ok {
			list.Replace(b.ID, out)
			changed = true
		}
	}
	for _, b := range list.Blocks() {
		if threadJump(list, b.ID) {
			changed = true
		}
	}
	return changed
}

// eliminateDeadCode drops every instruction after the first one that
// unconditionally ends the block (a return, or an unconditional jump) —
// spec.md §4.E: code after RETURN_VALUE is unreachable and never
// affects the block's observable behavior, whether or not a
// SETUP_LOOP/POP_BLOCK pair still straddles it.
func eliminateDeadCode(instrs []Instr) ([]Instr, bool) {
	for i, instr := range instrs {
		if bytecode.IsReturn(instr.Op) || bytecode.IsUnconditionalJump(instr.Op) {
			if i+1 < len(instrs) {
				return instrs[:i+1], true
			}
			return instrs, false
		}
	}
	return instrs, false
}

// fuseNot applies spec.md §4.E's two boolean-fusion rules, each
// replacing a 2-instruction sequence ending the block with a single
// instruction of the opposite sense:
//
//   - UNARY_NOT; POP_JUMP_IF_FALSE  -> POP_JUMP_IF_TRUE
//     UNARY_NOT; POP_JUMP_IF_TRUE   -> POP_JUMP_IF_FALSE
//   - COMPARE_OP(k); UNARY_NOT      -> COMPARE_OP(k.Invert()), only for
//     the in/not-in/is/is-not family a sound inversion exists for.
func fuseNot(instrs []Instr) ([]Instr, bool) {
	if len(instrs) < 2 {
		return instrs, false
	}
	last := len(instrs) - 1

	if instrs[last-1].Op == bytecode.OpNot {
		jump := instrs[last]
		var inverted bytecode.OpCode
		switch jump.Op {
		case bytecode.OpPopJumpIfFalse:
			inverted = bytecode.OpPopJumpIfTrue
		case bytecode.OpPopJumpIfTrue:
			inverted = bytecode.OpPopJumpIfFalse
		default:
			goto compareFuse
		}
		out := make([]Instr, last-1, last+1)
		copy(out, instrs[:last-1])
		out = append(out, MustInstr(inverted, jump.Arg, jump.Line))
		return out, true
	}

compareFuse:
	if instrs[last].Op == bytecode.OpNot && instrs[last-1].Op == bytecode.OpCompare {
		cmp, ok := instrs[last-1].Arg.(CompareArg)
		if !ok {
			return instrs, false
		}
		invertedKind, ok := cmp.Kind.Invert()
		if !ok {
			return instrs, false
		}
		out := make([]Instr, last-1, last)
		copy(out, instrs[:last-1])
		out = append(out, MustInstr(bytecode.OpCompare, CompareArg{Kind: invertedKind}, instrs[last-1].Line))
		return out, true
	}

	return instrs, false
}

// threadJump applies spec.md §4.E's two jump-retargeting rules to the
// block identified by id's terminator, if it has a jump terminator at
// all:
//
//   - jump-to-jump: if the target block is itself nothing but an
//     unconditional jump, retarget directly to its destination instead —
//     skipped when that would create or extend a cycle, since threading
//     through a self-loop would never terminate.
//   - jump-to-return: if the target block is nothing but a bare
//     RETURN_VALUE (optionally preceded by a single LOAD_CONST), replace
//     the unconditional jump with a copy of that return sequence —
//     avoiding the extra jump entirely. Conditional jumps are never
//     rewritten this way: spec.md §4.E only lifts a return across an
//     unconditional edge.
func threadJump(list *BlockList, id BlockID) bool {
	b, ok := list.Lookup(id)
	if !ok {
		return false
	}
	term, ok := b.Terminator()
	if !ok {
		return false
	}
	target, isJump := term.Target()
	if !isJump {
		return false
	}

	if bytecode.IsUnconditionalJump(term.Op) {
		if dest, ok := threadThroughJump(list, target, map[BlockID]bool{id: true}); ok && dest != target {
			replaceTerminator(list, id, term.WithTarget(dest))
			return true
		}
		if copied, ok := copyReturn(list, target); ok {
			instrs := append(append([]Instr{}, b.Instrs[:len(b.Instrs)-1]...), copied...)
			list.Replace(id, instrs)
			return true
		}
		return false
	}

	// Conditional jump: only jump-to-jump threading applies.
	if dest, ok := threadThroughJump(list, target, map[BlockID]bool{id: true}); ok && dest != target {
		replaceTerminator(list, id, term.WithTarget(dest))
		return true
	}
	return false
}

// threadThroughJump follows a chain of blocks that are each nothing but
// a single unconditional jump, returning the final non-jump-only
// destination. seen guards against threading into a cycle (including a
// 1-block self-loop) — those are left alone rather than rewritten into
// an infinite thread.
func threadThroughJump(list *BlockList, start BlockID, seen map[BlockID]bool) (BlockID, bool) {
	current := start
	for {
		if seen[current] {
			return current, false
		}
		b, ok := list.Lookup(current)
		if !ok || len(b.Instrs) != 1 {
			return current, true
		}
		only := b.Instrs[0]
		if !bytecode.IsUnconditionalJump(only.Op) {
			return current, true
		}
		next, _ := only.Target()
		seen[current] = true
		current = next
	}
}

// copyReturn reports whether the block identified by id is nothing but
// a RETURN_VALUE, optionally preceded by one LOAD_CONST, and if so
// returns a copy of its instructions.
func copyReturn(list *BlockList, id BlockID) ([]Instr, bool) {
	b, ok := list.Lookup(id)
	if !ok {
		return nil, false
	}
	switch len(b.Instrs) {
	case 1:
		if bytecode.IsReturn(b.Instrs[0].Op) {
			return append([]Instr{}, b.Instrs...), true
		}
	case 2:
		if b.Instrs[0].Op == bytecode.OpConstant && bytecode.IsReturn(b.Instrs[1].Op) {
			return append([]Instr{}, b.Instrs...), true
		}
	}
	return nil, false
}

func replaceTerminator(list *BlockList, id BlockID, term Instr) {
	b, ok := list.Lookup(id)
	if !ok {
		return
	}
	instrs := append([]Instr{}, b.Instrs...)
	instrs[len(instrs)-1] = term
	list.Replace(id, instrs)
}
