package peephole

import (
	"sentra/internal/bytecode"
)

// Tuple is an immutable, ordered constant — the result of folding
// BUILD_TUPLE, or of folding BUILD_LIST ahead of an `in`/`not in` compare
// (spec.md §4.D: list literals used only for membership testing are
// folded the same way a tuple would be, since neither the fold nor the
// compare cares about list identity or mutability).
type Tuple []interface{}

// FrozenSet is an immutable, unordered constant — the result of folding
// BUILD_SET ahead of an `in`/`not in` compare. Membership is by
// Go-equality of its (necessarily hashable) elements.
type FrozenSet map[interface{}]struct{}

// hashable reports whether v can be a FrozenSet member. Tuples and sets
// themselves are excluded even though nothing stops a caller from trying
// — Sentra constants don't define a hash over them, matching spec.md
// §4.D's "fold aborts if any member is unhashable".
func hashable(v interface{}) bool {
	switch v.(type) {
	case nil, bool, float64, complex128, string:
		return true
	default:
		return false
	}
}

// size is spec.md §4.D's "Size" function: element count for sequences,
// strings and sets. It does not cover the bit-length case (resultSize
// does) since that one applies only to LSHIFT and only when the result
// is a float64, not to every value this function is asked about.
func size(v interface{}) int {
	switch x := v.(type) {
	case string:
		return len([]rune(x))
	case Tuple:
		return len(x)
	case FrozenSet:
		return len(x)
	default:
		return 0
	}
}

// resultSize reports the spec.md §4.D size of a binary fold's result,
// and whether that size is bounded by MAX_SIZE at all. Every
// string/Tuple/FrozenSet result is bounded by its element count. Of the
// scalar-producing operators, only LSHIFT is size-bounded — by the
// bit-length of the integer it produces — since spec.md §4.D singles out
// "the bit-length of integers produced by a left shift" and says every
// other binary result is otherwise unlimited.
func resultSize(op bytecode.OpCode, result interface{}) (sz int, bounded bool) {
	switch v := result.(type) {
	case string, Tuple, FrozenSet:
		return size(v), true
	case float64:
		if op != bytecode.OpLShift {
			return 0, false
		}
		if i, exact := isInt(v); exact {
			return bitLength(i), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func bitLength(n int64) int {
	if n < 0 {
		n = -n
	}
	bits := 0
	for n > 0 {
		bits++
		n >>= 1
	}
	return bits
}

// isInt reports whether f holds an exact integer value representable as
// int64 — Sentra, like the dynamic runtime spec.md models, has a single
// floating-point number type, so "integer" here means "an integral
// float64", not a distinct wire representation.
func isInt(f float64) (int64, bool) {
	i := int64(f)
	return i, float64(i) == f
}

// tryUnary evaluates a unary operator over a constant value. It never
// panics: an operator undefined for v's type returns ok == false, which
// aborts the fold rather than rewriting anything (spec.md §4.D).
func tryUnary(op bytecode.OpCode, v interface{}) (result interface{}, ok bool) {
	switch op {
	case bytecode.OpUnaryPositive:
		switch v.(type) {
		case float64, complex128:
			return v, true
		}
		return nil, false

	case bytecode.OpNegate:
		switch x := v.(type) {
		case float64:
			return -x, true
		case complex128:
			return -x, true
		}
		return nil, false

	case bytecode.OpUnaryInvert:
		if f, isFloat := v.(float64); isFloat {
			if i, exact := isInt(f); exact {
				return float64(^i), true
			}
		}
		return nil, false

	case bytecode.OpNot:
		return !truthy(v), true

	default:
		return nil, false
	}
}

// truthy mirrors the VM's own notion of truthiness for constant folding
// of UNARY_NOT: nil, false, zero and empty containers are falsy.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case complex128:
		return x != 0
	case string:
		return x != ""
	case Tuple:
		return len(x) != 0
	case FrozenSet:
		return len(x) != 0
	default:
		return true
	}
}

// tryBinary evaluates a binary operator over two constant values. ok is
// false if the operator is undefined for the operand types, or would
// raise an exception at runtime (division or modulo by zero, modulo of
// a complex number, a negative shift count). Container- or
// bit-length-size limits (spec.md §4.D's MAX_SIZE) are enforced by the
// caller via resultSize, not here — folding and size-bounding are
// separate concerns, and only some of these operators are size-bounded
// at all (spec.md §4.D: "otherwise unlimited").
func tryBinary(op bytecode.OpCode, a, b interface{}) (result interface{}, ok bool) {
	switch op {
	case bytecode.OpAdd:
		if ta, ok := a.(Tuple); ok {
			if tb, ok := b.(Tuple); ok {
				out := make(Tuple, 0, len(ta)+len(tb))
				out = append(out, ta...)
				out = append(out, tb...)
				return out, true
			}
			return nil, false
		}
		if sa, ok := a.(string); ok {
			if sb, ok := b.(string); ok {
				return sa + sb, true
			}
			return nil, false
		}
		return arith(a, b, func(x, y float64) float64 { return x + y }, func(x, y complex128) complex128 { return x + y })
	case bytecode.OpSub:
		return arith(a, b, func(x, y float64) float64 { return x - y }, func(x, y complex128) complex128 { return x - y })
	case bytecode.OpMul:
		return tryMultiply(a, b)
	case bytecode.OpDiv:
		return tryTrueDivide(a, b)
	case bytecode.OpMod:
		return tryModulo(a, b)
	case bytecode.OpFloorDiv:
		return tryFloorDivide(a, b)
	case bytecode.OpPow:
		return tryPower(a, b)
	case bytecode.OpLShift:
		return tryShift(a, b, true)
	case bytecode.OpRShift:
		return tryShift(a, b, false)
	case bytecode.OpBitAnd:
		return tryBitwise(a, b, func(x, y int64) int64 { return x & y })
	case bytecode.OpBitOr:
		return tryBitwise(a, b, func(x, y int64) int64 { return x | y })
	case bytecode.OpBitXor:
		return tryBitwise(a, b, func(x, y int64) int64 { return x ^ y })
	default:
		return nil, false
	}
}

func tryFloorDivide(a, b interface{}) (interface{}, bool) {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if !aok || !bok || bf == 0 {
		return nil, false
	}
	return floor(af / bf), true
}

// maxExponentMagnitude caps the exponent this naive power loop will run
// for — a safety valve against a pathological constant, not a spec rule
// (spec.md §4.D never size-bounds POWER's result). A larger exponent, like
// a fractional one, leaves the POWER unfolded.
const maxExponentMagnitude = 4096

func tryPower(a, b interface{}) (interface{}, bool) {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if !aok || !bok {
		return nil, false
	}
	n, exact := isInt(bf)
	if !exact || n > maxExponentMagnitude || n < -maxExponentMagnitude {
		return nil, false
	}
	result := 1.0
	if n >= 0 {
		for i := int64(0); i < n; i++ {
			result *= af
		}
	} else {
		result = pow(af, bf)
	}
	return result, true
}

// pow computes base**exp for an integral exp by repeated multiplication,
// taking the reciprocal of the positive power for a negative exp (and
// returning 0 when that positive power is 0). tryPower calls it only for
// negative integral exponents within maxExponentMagnitude.
func pow(base, exp float64) float64 {
	if exp < 0 {
		inv := pow(base, -exp)
		if inv == 0 {
			return 0
		}
		return 1 / inv
	}
	result := 1.0
	for i := 0.0; i < exp; i++ {
		result *= base
	}
	return result
}

func tryShift(a, b interface{}, left bool) (interface{}, bool) {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if !aok || !bok {
		return nil, false
	}
	ai, aexact := isInt(af)
	bi, bexact := isInt(bf)
	if !aexact || !bexact || bi < 0 {
		return nil, false // negative shift counts raise at runtime
	}
	var result int64
	if left {
		result = ai << uint(bi)
	} else {
		result = ai >> uint(bi)
	}
	return float64(result), true
}

func tryBitwise(a, b interface{}, op func(x, y int64) int64) (interface{}, bool) {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if !aok || !bok {
		return nil, false
	}
	ai, aexact := isInt(af)
	bi, bexact := isInt(bf)
	if !aexact || !bexact {
		return nil, false
	}
	return float64(op(ai, bi)), true
}

func arith(a, b interface{}, onFloat func(x, y float64) float64, onComplex func(x, y complex128) complex128) (interface{}, bool) {
	switch x := a.(type) {
	case float64:
		if y, isFloat := b.(float64); isFloat {
			return onFloat(x, y), true
		}
		if y, isComplex := b.(complex128); isComplex {
			return onComplex(complex(x, 0), y), true
		}
	case complex128:
		switch y := b.(type) {
		case float64:
			return onComplex(x, complex(y, 0)), true
		case complex128:
			return onComplex(x, y), true
		}
	}
	return nil, false
}

// maxRepeatCount is the same kind of safety valve as maxExponentMagnitude,
// guarding tuple-repeat construction against a pathologically large
// constant before resultSize ever gets a chance to reject it.
const maxRepeatCount = 1 << 16

func tryMultiply(a, b interface{}) (interface{}, bool) {
	if t, n, ok := tupleAndRepeat(a, b); ok {
		if n < 0 {
			n = 0
		}
		if n > maxRepeatCount || len(t) > maxRepeatCount {
			return nil, false
		}
		out := make(Tuple, 0, len(t)*n)
		for i := 0; i < n; i++ {
			out = append(out, t...)
		}
		return out, true
	}
	return arith(a, b, func(x, y float64) float64 { return x * y }, func(x, y complex128) complex128 { return x * y })
}

// tupleAndRepeat recognizes `tuple * int` or `int * tuple`, the one
// container-producing multiply spec.md §8 scenario 3 exercises.
func tupleAndRepeat(a, b interface{}) (Tuple, int, bool) {
	if t, ok := a.(Tuple); ok {
		if f, ok := b.(float64); ok {
			if n, exact := isInt(f); exact {
				return t, int(n), true
			}
		}
	}
	if t, ok := b.(Tuple); ok {
		if f, ok := a.(float64); ok {
			if n, exact := isInt(f); exact {
				return t, int(n), true
			}
		}
	}
	return nil, 0, false
}

func tryTrueDivide(a, b interface{}) (interface{}, bool) {
	bf, isFloat := b.(float64)
	if isFloat && bf == 0 {
		return nil, false // division by zero: preserve the runtime exception
	}
	if bc, isComplex := b.(complex128); isComplex && bc == 0 {
		return nil, false
	}
	return arith(a, b, func(x, y float64) float64 { return x / y }, func(x, y complex128) complex128 { return x / y })
}

func tryModulo(a, b interface{}) (interface{}, bool) {
	// Modulo of a complex number has no defined result (spec.md §8: "1 % 1j").
	if _, isComplex := a.(complex128); isComplex {
		return nil, false
	}
	if _, isComplex := b.(complex128); isComplex {
		return nil, false
	}
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if !aok || !bok {
		return nil, false
	}
	if bf == 0 {
		return nil, false
	}
	r := mod(af, bf)
	return r, true
}

// mod matches Python's floor-based modulo (result takes the sign of the
// divisor), the semantics spec.md's host runtime uses.
func mod(a, b float64) float64 {
	r := a - b*floor(a/b)
	return r
}

func floor(f float64) float64 {
	i := int64(f)
	if f < 0 && float64(i) != f {
		i--
	}
	return float64(i)
}
