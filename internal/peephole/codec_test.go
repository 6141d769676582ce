package peephole

import (
	"testing"

	"sentra/internal/bytecode"
)

func buildChunk(t *testing.T, build func(c *bytecode.Chunk)) *bytecode.Chunk {
	t.Helper()
	c := bytecode.NewChunk()
	build(c)
	return c
}

func TestDecodeConstantAndGlobal(t *testing.T) {
	c := buildChunk(t, func(c *bytecode.Chunk) {
		idx := c.AddConstant(42.0)
		c.WriteOp(bytecode.OpConstant)
		c.WriteByte(byte(idx))
		name := c.AddConstant("x")
		c.WriteOp(bytecode.OpSetGlobal)
		c.WriteByte(byte(name))
		c.WriteOp(bytecode.OpReturn)
	})

	flat, err := Decode(c)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(flat) != 3 {
		t.Fatalf("got %d instrs, want 3: %+v", len(flat), flat)
	}
	if flat[0].Op != bytecode.OpConstant || flat[0].Arg.(ConstArg).Value != 42.0 {
		t.Fatalf("got %+v, want LOAD_CONST 42", flat[0])
	}
	if flat[1].Op != bytecode.OpSetGlobal || flat[1].Arg.(NameArg).Name != "x" {
		t.Fatalf("got %+v, want SET_GLOBAL x", flat[1])
	}
}

func TestDecodeForwardJump(t *testing.T) {
	// 0: LOAD_CONST 1     (2 bytes)
	// 2: JUMP_IF_FALSE -> 6   (3 bytes, operand = 6-5 = 1)
	// 5: POP              (1 byte)
	// 6: RETURN
	c := buildChunk(t, func(c *bytecode.Chunk) {
		idx := c.AddConstant(1.0)
		c.WriteOp(bytecode.OpConstant)
		c.WriteByte(byte(idx))
		c.WriteOp(bytecode.OpJumpIfFalse)
		c.WriteByte(0)
		c.WriteByte(1)
		c.WriteOp(bytecode.OpPop)
		c.WriteOp(bytecode.OpReturn)
	})

	flat, err := Decode(c)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(flat) != 4 {
		t.Fatalf("got %d instrs, want 4: %+v", len(flat), flat)
	}
	idx, ok := flat[1].jumpTarget()
	if !ok || idx != 3 {
		t.Fatalf("got jump target %v, want instruction index 3 (RETURN): %+v", idx, flat)
	}
}

func TestDecodeBackwardLoop(t *testing.T) {
	// 0: LOAD_CONST 1   (2 bytes)
	// 2: POP            (1 byte)
	// 3: LOOP -> 0      (3 bytes, operand = next(6)-0 = 6)
	c := buildChunk(t, func(c *bytecode.Chunk) {
		idx := c.AddConstant(1.0)
		c.WriteOp(bytecode.OpConstant)
		c.WriteByte(byte(idx))
		c.WriteOp(bytecode.OpPop)
		c.WriteOp(bytecode.OpLoop)
		c.WriteByte(0)
		c.WriteByte(6)
	})

	flat, err := Decode(c)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	idx, ok := flat[2].jumpTarget()
	if !ok || idx != 0 {
		t.Fatalf("got loop target %v, want instruction index 0: %+v", idx, flat)
	}
}

func TestEncodeRoundTripsForwardJump(t *testing.T) {
	flat := []FlatInstr{
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 1.0}, Line: 1},
		{Op: bytecode.OpJumpIfFalse, Arg: IndexArg{Pos: 3}, Line: 1},
		{Op: bytecode.OpPop, Arg: NoArg{}, Line: 2},
		{Op: bytecode.OpReturn, Arg: NoArg{}, Line: 3},
	}
	chunk, err := Encode(flat)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	redecoded, err := Decode(chunk)
	if err != nil {
		t.Fatalf("Decode after Encode: %v", err)
	}
	if len(redecoded) != len(flat) {
		t.Fatalf("got %d instrs, want %d", len(redecoded), len(flat))
	}
	for i, f := range redecoded {
		if f.Op != flat[i].Op {
			t.Fatalf("instr %d: got op %v, want %v", i, f.Op, flat[i].Op)
		}
	}
	target, ok := redecoded[1].jumpTarget()
	if !ok || target != 3 {
		t.Fatalf("got jump target %v, want 3", target)
	}
}

func TestEncodeRoundTripsBackwardLoop(t *testing.T) {
	flat := []FlatInstr{
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 1.0}, Line: 1},
		{Op: bytecode.OpPop, Arg: NoArg{}, Line: 2},
		{Op: bytecode.OpLoop, Arg: IndexArg{Pos: 0}, Line: 3},
	}
	chunk, err := Encode(flat)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	redecoded, err := Decode(chunk)
	if err != nil {
		t.Fatalf("Decode after Encode: %v", err)
	}
	target, ok := redecoded[2].jumpTarget()
	if !ok || target != 0 {
		t.Fatalf("got loop target %v, want 0", target)
	}
}

func TestEncodeRejectsBackwardNonLoopJump(t *testing.T) {
	// A plain JUMP that targets an earlier instruction has no forward
	// relative encoding; only OpLoop threads backward.
	flat := []FlatInstr{
		{Op: bytecode.OpPop, Arg: NoArg{}, Line: 1},
		{Op: bytecode.OpJump, Arg: IndexArg{Pos: 0}, Line: 2},
	}
	if _, err := Encode(flat); err == nil {
		t.Fatalf("expected an error encoding a backward JUMP")
	}
}

func TestEncodeDedupesRepeatedConstants(t *testing.T) {
	flat := []FlatInstr{
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 7.0}, Line: 1},
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: 7.0}, Line: 1},
		{Op: bytecode.OpAdd, Arg: NoArg{}, Line: 1},
	}
	chunk, err := Encode(flat)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunk.Constants) != 1 {
		t.Fatalf("got %d constants, want 1 deduplicated entry: %+v", len(chunk.Constants), chunk.Constants)
	}
}

func TestEncodeDedupesFoldedTupleByValue(t *testing.T) {
	flat := []FlatInstr{
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: Tuple{1.0, 2.0}}, Line: 1},
		{Op: bytecode.OpConstant, Arg: ConstArg{Value: Tuple{1.0, 2.0}}, Line: 1},
	}
	chunk, err := Encode(flat)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunk.Constants) != 1 {
		t.Fatalf("got %d constants, want 1 deduplicated tuple: %+v", len(chunk.Constants), chunk.Constants)
	}
}
