package peephole

import (
	"context"
	"testing"

	"sentra/internal/bytecode"
)

func encodeOrFatal(t *testing.T, flat []FlatInstr) *bytecode.Chunk {
	t.Helper()
	chunk, err := Encode(flat)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return chunk
}

func TestOptimizeEndToEndConstantFold(t *testing.T) {
	chunk := encodeOrFatal(t, []FlatInstr{
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 1.0}, Line: 1},
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 3.0}, Line: 1},
		{Op: bytecode.OpAdd, Arg: NoArg{}, Line: 1},
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 7.0}, Line: 1},
		{Op: bytecode.OpAdd, Arg: NoArg{}, Line: 1},
		{Op: bytecode.OpSetGlobal, Arg: NameArg{Name: "x"}, Line: 1},
		{Op: bytecode.OpReturn, Arg: NoArg{}, Line: 2},
	})

	out, err := Optimize(chunk, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	flat, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(flat) != 3 {
		t.Fatalf("got %d instrs, want 3: %+v", len(flat), flat)
	}
	if flat[0].Op != bytecode.OpConstant || flat[0].Arg.(ConstArg).Value != 11.0 {
		t.Fatalf("got %+v, want a folded LOAD_CONST 11", flat[0])
	}
	if flat[1].Op != bytecode.OpSetGlobal || flat[2].Op != bytecode.OpReturn {
		t.Fatalf("got %+v, want SET_GLOBAL then RETURN to survive unchanged", flat[1:])
	}
}

// TestOptimizeThreadsJumpChainsToABareReturn builds a chain of
// unconditional jumps ending in RETURN_VALUE, each separated by a dead
// filler block nothing ever targets. Optimize should thread every jump
// straight through to the return and drop the filler blocks entirely,
// leaving nothing but the return itself.
func TestOptimizeThreadsJumpChainsToABareReturn(t *testing.T) {
	chunk := encodeOrFatal(t, []FlatInstr{
		{Op: bytecode.OpJump, Arg: IndexArg{Pos: 2}, Line: 1}, // 0
		{Op: bytecode.OpPop, Arg: NoArg{}, Line: 1},           // 1 (dead filler)
		{Op: bytecode.OpJump, Arg: IndexArg{Pos: 4}, Line: 1}, // 2
		{Op: bytecode.OpPop, Arg: NoArg{}, Line: 1},           // 3 (dead filler)
		{Op: bytecode.OpReturn, Arg: NoArg{}, Line: 2},        // 4
	})

	out, err := Optimize(chunk, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	flat, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(flat) != 1 || flat[0].Op != bytecode.OpReturn {
		t.Fatalf("got %+v, want the whole chain collapsed to a bare RETURN_VALUE", flat)
	}
}

func TestOptimizeFixedPointIsIdempotent(t *testing.T) {
	chunk := encodeOrFatal(t, []FlatInstr{
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 2.0}, Line: 1},
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 4.0}, Line: 1},
		{Op: bytecode.OpMul, Arg: NoArg{}, Line: 1},
		{Op: bytecode.OpReturn, Arg: NoArg{}, Line: 2},
	})

	once, err := Optimize(chunk, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	twice, err := Optimize(once, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("re-Optimize: %v", err)
	}
	a, _ := Decode(once)
	b, _ := Decode(twice)
	if len(a) != len(b) {
		t.Fatalf("optimizing twice changed instruction count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Op != b[i].Op {
			t.Fatalf("instr %d: got op %v after re-optimizing, want %v", i, b[i].Op, a[i].Op)
		}
	}
}

func TestOptimizeAllRunsConcurrentlyOverIndependentChunks(t *testing.T) {
	chunks := []*bytecode.Chunk{
		encodeOrFatal(t, []FlatInstr{
			{Op: bytecode.OpConstant, Arg: ConstArg{Value: 1.0}, Line: 1},
			{Op: bytecode.OpConstant, Arg: ConstArg{Value: 1.0}, Line: 1},
			{Op: bytecode.OpAdd, Arg: NoArg{}, Line: 1},
			{Op: bytecode.OpReturn, Arg: NoArg{}, Line: 2},
		}),
		encodeOrFatal(t, []FlatInstr{
			{Op: bytecode.OpConstant, Arg: ConstArg{Value: 10.0}, Line: 1},
			{Op: bytecode.OpConstant, Arg: ConstArg{Value: 5.0}, Line: 1},
			{Op: bytecode.OpSub, Arg: NoArg{}, Line: 1},
			{Op: bytecode.OpReturn, Arg: NoArg{}, Line: 2},
		}),
	}

	out, err := OptimizeAll(context.Background(), chunks, DefaultConfig())
	if err != nil {
		t.Fatalf("OptimizeAll: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d chunks, want 2", len(out))
	}
	flat0, _ := Decode(out[0])
	flat1, _ := Decode(out[1])
	if flat0[0].Arg.(ConstArg).Value != 2.0 {
		t.Fatalf("chunk 0: got %+v, want folded to 2", flat0)
	}
	if flat1[0].Arg.(ConstArg).Value != 5.0 {
		t.Fatalf("chunk 1: got %+v, want folded to 5", flat1)
	}
}
