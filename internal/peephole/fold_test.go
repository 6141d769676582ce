package peephole

import (
	"testing"

	"sentra/internal/bytecode"
)

func constLoad(v interface{}) Instr {
	return MustInstr(bytecode.OpConstant, ConstArg{Value: v}, 1)
}

func noArg(op bytecode.OpCode) Instr {
	return MustInstr(op, NoArg{}, 1)
}

func assertFolded(t *testing.T, in []Instr, want ...Instr) {
	t.Helper()
	out, changed := foldConstants(in, DefaultConfig())
	if !changed {
		t.Fatalf("expected a fold to fire, got none: %+v", in)
	}
	if len(out) != len(want) {
		t.Fatalf("got %d instrs, want %d: %+v", len(out), len(want), out)
	}
	for i := range out {
		if !out[i].Equal(want[i]) {
			t.Fatalf("instr %d: got %+v, want %+v", i, out[i], want[i])
		}
	}
}

func assertNotFolded(t *testing.T, in []Instr) {
	t.Helper()
	out, changed := foldConstants(in, DefaultConfig())
	if changed {
		t.Fatalf("expected no fold, got: %+v", out)
	}
}

func TestUnaryFold(t *testing.T) {
	cases := []struct {
		op     bytecode.OpCode
		in     interface{}
		result interface{}
	}{
		{bytecode.OpUnaryPositive, 2.0, 2.0},
		{bytecode.OpNegate, 3.0, -3.0},
		{bytecode.OpUnaryInvert, 5.0, -6.0},
		{bytecode.OpNot, 0.0, true},
		{bytecode.OpNot, 1.0, false},
	}
	for _, c := range cases {
		in := []Instr{constLoad(c.in), noArg(c.op), MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1)}
		want := []Instr{constLoad(c.result), MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1)}
		assertFolded(t, in, want...)
	}
}

func TestBinaryFold(t *testing.T) {
	cases := []struct {
		op     bytecode.OpCode
		a, b   float64
		result float64
	}{
		{bytecode.OpAdd, 10, 20, 30},
		{bytecode.OpSub, 5, 1, 4},
		{bytecode.OpMul, 5, 3, 15},
		{bytecode.OpDiv, 10, 3, 10.0 / 3.0},
		{bytecode.OpFloorDiv, 10, 3, 3},
		{bytecode.OpMod, 10, 3, 1},
		{bytecode.OpPow, 2, 8, 256},
		{bytecode.OpLShift, 1, 3, 8},
		{bytecode.OpRShift, 16, 3, 2},
		{bytecode.OpBitAnd, 10, 3, 2},
		{bytecode.OpBitOr, 2, 3, 3},
		{bytecode.OpBitXor, 2, 3, 1},
	}
	for _, c := range cases {
		in := []Instr{constLoad(c.a), constLoad(c.b), noArg(c.op), MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1)}
		want := []Instr{constLoad(c.result), MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1)}
		assertFolded(t, in, want...)
	}
}

func TestCombinedFoldCascades(t *testing.T) {
	// x = 1 + 3 + 7
	in := []Instr{
		constLoad(1.0), constLoad(3.0), noArg(bytecode.OpAdd),
		constLoad(7.0), noArg(bytecode.OpAdd),
		MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1),
	}
	want := []Instr{constLoad(11.0), MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1)}
	assertFolded(t, in, want...)
}

func TestDoubleInvertCascades(t *testing.T) {
	// x = ~(~5)
	in := []Instr{
		constLoad(5.0), noArg(bytecode.OpUnaryInvert), noArg(bytecode.OpUnaryInvert),
		MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1),
	}
	want := []Instr{constLoad(5.0), MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1)}
	assertFolded(t, in, want...)
}

func TestBuildTupleFold(t *testing.T) {
	in := []Instr{
		constLoad(1.0), constLoad("call"), MustInstr(bytecode.OpBuildTuple, IntArg{N: 2}, 1),
		MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1),
	}
	want := []Instr{constLoad(Tuple{1.0, "call"}), MustInstr(bytecode.OpSetGlobal, NameArg{Name: "x"}, 1)}
	assertFolded(t, in, want...)
}

func TestTupleRepeatFold(t *testing.T) {
	// (1,) + (0,) * 8  -- multiply folds first, then add
	in := []Instr{
		constLoad(1.0), MustInstr(bytecode.OpBuildTuple, IntArg{N: 1}, 1),
		constLoad(0.0), MustInstr(bytecode.OpBuildTuple, IntArg{N: 1}, 1),
		constLoad(8.0), noArg(bytecode.OpMul),
		noArg(bytecode.OpAdd),
	}
	out, changed := foldConstants(in, DefaultConfig())
	if !changed {
		t.Fatalf("expected fold")
	}
	if len(out) != 1 {
		t.Fatalf("got %d instrs, want 1: %+v", len(out), out)
	}
	tup, ok := out[0].Arg.(ConstArg).Value.(Tuple)
	if !ok || len(tup) != 9 {
		t.Fatalf("got %+v, want a 9-element tuple", out[0])
	}
}

func TestBuildListMembershipFold(t *testing.T) {
	in := []Instr{
		constLoad(1.0), constLoad(2.0), MustInstr(bytecode.OpArray, IntArg{N: 2}, 1),
		MustInstr(bytecode.OpCompare, CompareArg{Kind: bytecode.CompareIn}, 1),
	}
	want := []Instr{
		constLoad(Tuple{1.0, 2.0}),
		MustInstr(bytecode.OpCompare, CompareArg{Kind: bytecode.CompareIn}, 1),
	}
	assertFolded(t, in, want...)
}

func TestBuildSetMembershipFold(t *testing.T) {
	in := []Instr{
		constLoad(1.0), constLoad(2.0), MustInstr(bytecode.OpBuildSet, IntArg{N: 2}, 1),
		MustInstr(bytecode.OpCompare, CompareArg{Kind: bytecode.CompareNotIn}, 1),
	}
	out, changed := foldConstants(in, DefaultConfig())
	if !changed {
		t.Fatalf("expected fold")
	}
	set, ok := out[0].Arg.(ConstArg).Value.(FrozenSet)
	if !ok || len(set) != 2 {
		t.Fatalf("got %+v, want a 2-element FrozenSet", out[0])
	}
}

func TestUnpackAfterBuildRotations(t *testing.T) {
	// The tuple members are name loads, not constants: a BUILD_TUPLE of
	// constants is folded into a tuple constant before this rule is tried.
	name := func(n string) Instr { return MustInstr(bytecode.OpGetGlobal, NameArg{Name: n}, 1) }

	// n=1: pure round trip, both instructions vanish and the load stays
	in1 := []Instr{name("a"), MustInstr(bytecode.OpBuildTuple, IntArg{N: 1}, 1),
		MustInstr(bytecode.OpUnpackSequence, IntArg{N: 1}, 1)}
	out1, changed1 := foldConstants(in1, DefaultConfig())
	if !changed1 || len(out1) != 1 || !out1[0].Equal(name("a")) {
		t.Fatalf("n=1: got %+v, want only the load of a", out1)
	}

	// n=2 -> ROT_TWO
	in2 := []Instr{name("a"), name("b"), MustInstr(bytecode.OpBuildTuple, IntArg{N: 2}, 1),
		MustInstr(bytecode.OpUnpackSequence, IntArg{N: 2}, 1)}
	want2 := []Instr{name("a"), name("b"), noArg(bytecode.OpRotTwo)}
	assertFolded(t, in2, want2...)

	// n=3 -> ROT_THREE, ROT_TWO
	in3 := []Instr{name("a"), name("b"), name("c"), MustInstr(bytecode.OpBuildTuple, IntArg{N: 3}, 1),
		MustInstr(bytecode.OpUnpackSequence, IntArg{N: 3}, 1)}
	want3 := []Instr{name("a"), name("b"), name("c"), noArg(bytecode.OpRotThree), noArg(bytecode.OpRotTwo)}
	assertFolded(t, in3, want3...)

	// n=4: left alone
	in4 := []Instr{name("a"), name("b"), name("c"), name("d"),
		MustInstr(bytecode.OpBuildTuple, IntArg{N: 4}, 1),
		MustInstr(bytecode.OpUnpackSequence, IntArg{N: 4}, 1)}
	assertNotFolded(t, in4)
}

func TestDivisionByZeroNotFolded(t *testing.T) {
	for _, op := range []bytecode.OpCode{bytecode.OpDiv, bytecode.OpFloorDiv, bytecode.OpMod} {
		in := []Instr{constLoad(1.0), constLoad(0.0), noArg(op)}
		assertNotFolded(t, in)
	}
}

func TestMaxSizeBoundary(t *testing.T) {
	cfg := Config{MaxSize: 4}
	// shifting 1 left by 5 produces a 6-bit-wide integer (32), over the
	// bound of 4 -- the fold must abort.
	in := []Instr{constLoad(1.0), constLoad(5.0), noArg(bytecode.OpLShift)}
	out, changed := foldConstants(in, cfg)
	if changed {
		t.Fatalf("expected the size bound to block the fold, got %+v", out)
	}

	// shifting 1 left by 2 produces 4, bit-length 3, within bound.
	in2 := []Instr{constLoad(1.0), constLoad(2.0), noArg(bytecode.OpLShift)}
	out2, changed2 := foldConstants(in2, cfg)
	if !changed2 || len(out2) != 1 {
		t.Fatalf("expected fold within bound, got %+v", out2)
	}
}

func TestRShiftPowerAndBitwiseAreUnbounded(t *testing.T) {
	// spec: only LSHIFT's result is size-bounded; a tiny MaxSize must not
	// block RSHIFT, POWER or the bitwise ops even when their result is
	// "large" by MAX_SIZE's bit-length yardstick.
	cfg := Config{MaxSize: 1}
	cases := []struct {
		op   bytecode.OpCode
		a, b float64
	}{
		{bytecode.OpRShift, 1024, 1},
		{bytecode.OpPow, 2, 16},
		{bytecode.OpBitAnd, 255, 255},
		{bytecode.OpBitOr, 255, 255},
		{bytecode.OpBitXor, 255, 0},
	}
	for _, c := range cases {
		in := []Instr{constLoad(c.a), constLoad(c.b), noArg(c.op)}
		_, changed := foldConstants(in, cfg)
		if !changed {
			t.Fatalf("op %v: expected an unbounded fold to still fire with MaxSize=1", c.op)
		}
	}
}

func TestIdempotence(t *testing.T) {
	in := []Instr{constLoad(1.0), constLoad(3.0), noArg(bytecode.OpAdd), constLoad(7.0), noArg(bytecode.OpAdd)}
	out, _ := foldConstants(in, DefaultConfig())
	out2, changed2 := foldConstants(out, DefaultConfig())
	if changed2 {
		t.Fatalf("optimizing an already-optimized sequence should be a no-op, got a change: %+v -> %+v", out, out2)
	}
}
