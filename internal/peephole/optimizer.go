// Package peephole's entry points: OptimizeBlocks drives the per-block
// fold and control-flow rules to a fixed point over an already-built
// BlockList; Optimize and OptimizeAll wrap decode/convert/encode around
// it for a caller holding whole bytecode.Chunks instead.
package peephole

import (
	"context"

	"golang.org/x/sync/errgroup"

	"sentra/internal/bytecode"
	"sentra/internal/vm"
)

// Trace, if set, is called during OptimizeBlocks with an event name and
// a block ID: "fold" with the block's ID for each block whose constants
// were folded in a pass, and "control" with block ID 0 for each pass in
// which a control-flow rule changed anything. It is not told which rule
// fired or which instructions changed. Nil means no tracing; the
// debugger wires a non-nil Trace to print these events as they happen.
type Trace func(event string, blockID BlockID)

// OptimizeBlocks repeatedly applies the constant-folding rules
// (spec.md §4.D) per block and the control-flow rules (spec.md §4.E)
// across the whole list until neither changes anything in a full pass —
// the fixed point spec.md §4.A requires, since a control-flow rewrite
// can expose a fold opportunity the previous pass already walked past
// (and vice versa: folding UNARY_NOT away can turn a conditional jump
// into dead code on the far side of a later control-flow pass).
func OptimizeBlocks(list *BlockList, cfg Config, trace Trace) error {
	for {
		foldedAny := false
		for _, b := range list.Blocks() {
			out, changed := foldConstants(b.Instrs, cfg)
			if changed {
				list.Replace(b.ID, out)
				foldedAny = true
				if trace != nil {
					trace("fold", b.ID)
				}
			}
		}

		controlChanged := rewriteControlFlow(list, cfg)
		if trace != nil && controlChanged {
			trace("control", 0)
		}

		if !foldedAny && !controlChanged {
			return list.Validate()
		}
	}
}

// Optimize decodes chunk into blocks, runs OptimizeBlocks to a fixed
// point, flattens the result back to a linear instruction stream, and
// re-encodes it into a new Chunk. The input chunk is never mutated.
//
// Before any of that, every LOAD_CONST whose constant is a nested code
// object (a *vm.Function carrying its own *bytecode.Chunk — a function
// literal or closure the compiler emitted inline into this chunk's
// constant pool) is itself optimized, recursively, to a fixed point;
// the constant is replaced by a new *vm.Function wrapping the optimized
// chunk rather than mutated in place, so the nested code object in the
// caller's original chunk is left untouched (spec.md §4.F step 4).
func Optimize(chunk *bytecode.Chunk, cfg Config, trace Trace) (*bytecode.Chunk, error) {
	flat, err := Decode(chunk)
	if err != nil {
		return nil, err
	}
	if err := optimizeNestedConstants(flat, cfg, trace); err != nil {
		return nil, err
	}
	blocks, err := ToBlocks(flat)
	if err != nil {
		return nil, err
	}
	if err := OptimizeBlocks(blocks, cfg, trace); err != nil {
		return nil, err
	}
	out, err := Flatten(blocks)
	if err != nil {
		return nil, err
	}
	return Encode(out)
}

// optimizeNestedConstants rewrites, in place, every ConstArg in flat
// whose Value is a *vm.Function with a non-nil Chunk, substituting a new
// *vm.Function that wraps the result of recursively optimizing that
// function's own chunk. It never touches the *vm.Function the caller
// passed in.
func optimizeNestedConstants(flat []FlatInstr, cfg Config, trace Trace) error {
	for i, f := range flat {
		if f.Op != bytecode.OpConstant {
			continue
		}
		c, ok := f.Arg.(ConstArg)
		if !ok {
			continue
		}
		fn, ok := c.Value.(*vm.Function)
		if !ok || fn.Chunk == nil {
			continue
		}
		optimizedChunk, err := Optimize(fn.Chunk, cfg, trace)
		if err != nil {
			return err
		}
		flat[i].Arg = ConstArg{Value: &vm.Function{
			Name:  fn.Name,
			Arity: fn.Arity,
			Chunk: optimizedChunk,
		}}
	}
	return nil
}

// OptimizeAll runs Optimize concurrently over every chunk in chunks —
// spec.md §5's allowance that independent code objects may be optimized
// in parallel, since each Optimize call only ever reads and rewrites
// its own chunk. One goroutine is started per chunk and each runs to
// completion; an error does not stop the others. The first error is
// returned once all have finished; results preserve the input order.
func OptimizeAll(ctx context.Context, chunks []*bytecode.Chunk, cfg Config) ([]*bytecode.Chunk, error) {
	out := make([]*bytecode.Chunk, len(chunks))
	g, _ := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			optimized, err := Optimize(chunk, cfg, nil)
			if err != nil {
				return err
			}
			out[i] = optimized
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
