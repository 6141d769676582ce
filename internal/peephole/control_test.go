package peephole

import (
	"testing"

	"sentra/internal/bytecode"
)

func jumpTo(op bytecode.OpCode, target BlockID, line int) Instr {
	return MustInstr(op, LabelArg{Target: target}, line)
}

func TestDeadCodeAfterReturnEliminated(t *testing.T) {
	instrs := []Instr{
		constLoad(1.0),
		MustInstr(bytecode.OpReturn, NoArg{}, 1),
		constLoad(2.0), // unreachable
		MustInstr(bytecode.OpPop, NoArg{}, 1),
	}
	out, changed := eliminateDeadCode(instrs)
	if !changed {
		t.Fatalf("expected dead code to be dropped")
	}
	if len(out) != 2 {
		t.Fatalf("got %d instrs, want 2: %+v", len(out), out)
	}
}

func TestUnaryNotJumpFusion(t *testing.T) {
	instrs := []Instr{
		noArg(bytecode.OpNot),
		jumpTo(bytecode.OpPopJumpIfFalse, 3, 1),
	}
	out, changed := fuseNot(instrs)
	if !changed {
		t.Fatalf("expected UNARY_NOT fusion")
	}
	if len(out) != 1 || out[0].Op != bytecode.OpPopJumpIfTrue {
		t.Fatalf("got %+v, want a single POP_JUMP_IF_TRUE", out)
	}
	target, ok := out[0].Target()
	if !ok || target != 3 {
		t.Fatalf("fused jump lost its target: %+v", out[0])
	}
}

func TestUnaryNotJumpFusionOtherDirection(t *testing.T) {
	instrs := []Instr{
		noArg(bytecode.OpNot),
		jumpTo(bytecode.OpPopJumpIfTrue, 5, 1),
	}
	out, changed := fuseNot(instrs)
	if !changed || out[0].Op != bytecode.OpPopJumpIfFalse {
		t.Fatalf("got %+v, want POP_JUMP_IF_FALSE", out)
	}
}

func TestCompareNotFusionInvertibleFamily(t *testing.T) {
	instrs := []Instr{
		MustInstr(bytecode.OpCompare, CompareArg{Kind: bytecode.CompareIn}, 1),
		noArg(bytecode.OpNot),
	}
	out, changed := fuseNot(instrs)
	if !changed {
		t.Fatalf("expected in/not-in fusion to fire")
	}
	cmp, ok := out[0].Arg.(CompareArg)
	if !ok || cmp.Kind != bytecode.CompareNotIn {
		t.Fatalf("got %+v, want CompareNotIn", out)
	}
}

func TestCompareNotFusionRefusesOrderingComparators(t *testing.T) {
	// Less-than has no sound negation under this rule (NaN-like partial
	// orders), so COMPARE_OP(Less); UNARY_NOT must be left alone.
	instrs := []Instr{
		MustInstr(bytecode.OpCompare, CompareArg{Kind: bytecode.CompareLess}, 1),
		noArg(bytecode.OpNot),
	}
	_, changed := fuseNot(instrs)
	if changed {
		t.Fatalf("expected no fusion for an ordering comparator")
	}
}

func TestJumpToReturnThreading(t *testing.T) {
	list := NewBlockList()
	target := list.Append([]Instr{MustInstr(bytecode.OpReturn, NoArg{}, 9)})
	entry := list.Append([]Instr{jumpTo(bytecode.OpJump, target.ID, 1)})

	if !threadJump(list, entry.ID) {
		t.Fatalf("expected jump-to-return threading to fire")
	}
	got, _ := list.Lookup(entry.ID)
	if len(got.Instrs) != 1 || got.Instrs[0].Op != bytecode.OpReturn {
		t.Fatalf("got %+v, want a copied RETURN_VALUE", got.Instrs)
	}
}

func TestJumpToJumpThreading(t *testing.T) {
	list := NewBlockList()
	final := list.Append([]Instr{MustInstr(bytecode.OpPop, NoArg{}, 1)})
	middle := list.Append([]Instr{jumpTo(bytecode.OpJump, final.ID, 1)})
	entry := list.Append([]Instr{jumpTo(bytecode.OpJump, middle.ID, 1)})

	if !threadJump(list, entry.ID) {
		t.Fatalf("expected jump-to-jump threading to fire")
	}
	got, _ := list.Lookup(entry.ID)
	dest, ok := got.Instrs[0].Target()
	if !ok || dest != final.ID {
		t.Fatalf("got target %v, want it threaded directly to %v", dest, final.ID)
	}
}

func TestJumpToJumpThreadingAvoidsSelfCycle(t *testing.T) {
	list := NewBlockList()
	loop := list.Append(nil)
	loop.Instrs = []Instr{jumpTo(bytecode.OpJump, loop.ID, 1)}

	if threadJump(list, loop.ID) {
		t.Fatalf("threading a self-loop should be a no-op, not an infinite thread")
	}
}
