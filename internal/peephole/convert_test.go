package peephole

import (
	"testing"

	"sentra/internal/bytecode"
)

func TestToBlocksAndFlattenRoundTrip(t *testing.T) {
	// if (1) { pop } else { pop2 }; return
	//   0: LOAD_CONST 1
	//   1: JUMP_IF_FALSE -> 4
	//   2: POP
	//   3: JUMP -> 5
	//   4: POP
	//   5: RETURN
	flat := []FlatInstr{
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 1.0}, Line: 1},
		{Op: bytecode.OpJumpIfFalse, Arg: IndexArg{Pos: 4}, Line: 1},
		{Op: bytecode.OpPop, Arg: NoArg{}, Line: 2},
		{Op: bytecode.OpJump, Arg: IndexArg{Pos: 5}, Line: 2},
		{Op: bytecode.OpPop, Arg: NoArg{}, Line: 3},
		{Op: bytecode.OpReturn, Arg: NoArg{}, Line: 4},
	}

	blocks, err := ToBlocks(flat)
	if err != nil {
		t.Fatalf("ToBlocks: %v", err)
	}
	if err := blocks.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	out, err := Flatten(blocks)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(out) != len(flat) {
		t.Fatalf("got %d instrs, want %d", len(out), len(flat))
	}
	for i, f := range out {
		if f.Op != flat[i].Op {
			t.Fatalf("instr %d: got op %v, want %v", i, f.Op, flat[i].Op)
		}
	}
}

func TestFlattenDropsUnreachableBlocks(t *testing.T) {
	list := NewBlockList()
	// entry jumps straight past dead to final; dead falls between them
	// in list order but is never targeted and never fallen into, since
	// entry's terminator is an unconditional jump.
	entryID := list.Append(nil).ID
	dead := list.Append([]Instr{MustInstr(bytecode.OpPop, NoArg{}, 1)})
	final := list.Append([]Instr{MustInstr(bytecode.OpReturn, NoArg{}, 1)})
	list.Replace(entryID, []Instr{jumpTo(bytecode.OpJump, final.ID, 1)})
	_ = dead

	out, err := Flatten(list)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d instrs, want 2 (entry's jump, collapsed, plus return): %+v", len(out), out)
	}
	if out[len(out)-1].Op != bytecode.OpReturn {
		t.Fatalf("got %+v, want it to end in RETURN_VALUE", out)
	}
}

func TestToBlocksDanglingLabel(t *testing.T) {
	flat := []FlatInstr{
		{Op: bytecode.OpJump, Arg: IndexArg{Pos: 99}, Line: 1},
	}
	if _, err := ToBlocks(flat); err == nil {
		t.Fatalf("expected a DanglingLabel error")
	}
}
