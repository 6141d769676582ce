package peephole

import (
	"fmt"

	"sentra/internal/bytecode"
)

// BlockID is a block's identity label — spec.md §9's "block IDs drawn
// from a monotonic counter" standing in for the source runtime's
// sentinel label objects. Two blocks never share an ID within one
// BlockList, and an ID is never reused after Remove.
type BlockID int

// Block is a maximal straight-line instruction sequence: spec.md's basic
// block. Its last instruction is a jump, a return, or (if Instrs doesn't
// end in either) a fall-through to the next block in the owning
// BlockList's order.
type Block struct {
	ID     BlockID
	Instrs []Instr
}

// Terminator returns the block's last instruction and whether the block
// has one at all (an empty block has none and always falls through).
func (b *Block) Terminator() (Instr, bool) {
	if len(b.Instrs) == 0 {
		return Instr{}, false
	}
	return b.Instrs[len(b.Instrs)-1], true
}

// FallsThrough reports whether control can reach the next block in list
// order after this one: true unless the terminator is a return or an
// unconditional jump.
func (b *Block) FallsThrough() bool {
	term, ok := b.Terminator()
	if !ok {
		return true
	}
	if bytecode.IsReturn(term.Op) {
		return false
	}
	if bytecode.IsUnconditionalJump(term.Op) {
		return false
	}
	return true
}

// DanglingLabel is reported when an instruction's jump target does not
// resolve to any block in the list — a programmer error in
// caller-constructed IR (spec.md §7).
type DanglingLabel struct {
	Target BlockID
}

func (e *DanglingLabel) Error() string {
	return fmt.Sprintf("peephole: dangling label %d", e.Target)
}

// MalformedBlocks is reported when the last block in a list falls
// through with no successor to fall through to (spec.md §7).
type MalformedBlocks struct {
	Last BlockID
}

func (e *MalformedBlocks) Error() string {
	return fmt.Sprintf("peephole: block %d falls through past the end of the program", e.Last)
}

// BlockList is spec.md's block list: an ordered sequence of blocks, the
// first of which is the entry block.
type BlockList struct {
	order  []BlockID
	blocks map[BlockID]*Block
	nextID BlockID
}

// NewBlockList returns an empty block list.
func NewBlockList() *BlockList {
	return &BlockList{blocks: make(map[BlockID]*Block)}
}

// Append adds a new block containing instrs to the end of the list and
// returns it.
func (l *BlockList) Append(instrs []Instr) *Block {
	b := &Block{ID: l.nextID, Instrs: instrs}
	l.nextID++
	l.blocks[b.ID] = b
	l.order = append(l.order, b.ID)
	return b
}

// InsertAfter creates a new block containing instrs immediately after
// the block identified by after, and returns it. Reports DanglingLabel
// if after does not name a block in the list.
func (l *BlockList) InsertAfter(after BlockID, instrs []Instr) (*Block, error) {
	pos, ok := l.indexOf(after)
	if !ok {
		return nil, &DanglingLabel{Target: after}
	}
	b := &Block{ID: l.nextID, Instrs: instrs}
	l.nextID++
	l.blocks[b.ID] = b
	l.order = append(l.order, 0)
	copy(l.order[pos+2:], l.order[pos+1:])
	l.order[pos+1] = b.ID
	return b, nil
}

// InsertBefore creates a new block containing instrs immediately before
// the block identified by before, and returns it.
func (l *BlockList) InsertBefore(before BlockID, instrs []Instr) (*Block, error) {
	pos, ok := l.indexOf(before)
	if !ok {
		return nil, &DanglingLabel{Target: before}
	}
	b := &Block{ID: l.nextID, Instrs: instrs}
	l.nextID++
	l.blocks[b.ID] = b
	l.order = append(l.order, 0)
	copy(l.order[pos+1:], l.order[pos:])
	l.order[pos] = b.ID
	return b, nil
}

// Remove deletes the block identified by id, provided no remaining
// instruction anywhere in the list still targets it. Reports an error
// if id is unknown or still referenced.
func (l *BlockList) Remove(id BlockID) error {
	if _, ok := l.blocks[id]; !ok {
		return &DanglingLabel{Target: id}
	}
	for _, other := range l.order {
		if other == id {
			continue
		}
		for _, instr := range l.blocks[other].Instrs {
			if t, ok := instr.Target(); ok && t == id {
				return fmt.Errorf("peephole: cannot remove block %d: still targeted from block %d", id, other)
			}
		}
	}
	pos, _ := l.indexOf(id)
	l.order = append(l.order[:pos], l.order[pos+1:]...)
	delete(l.blocks, id)
	return nil
}

// Blocks returns the blocks in list order. The returned slice aliases no
// internal state a caller could use to corrupt ordering — callers use
// Append/InsertAfter/InsertBefore/Remove to mutate.
func (l *BlockList) Blocks() []*Block {
	out := make([]*Block, len(l.order))
	for i, id := range l.order {
		out[i] = l.blocks[id]
	}
	return out
}

// Lookup returns the block identified by id, if any.
func (l *BlockList) Lookup(id BlockID) (*Block, bool) {
	b, ok := l.blocks[id]
	return b, ok
}

// Entry returns the first block in the list, if any.
func (l *BlockList) Entry() (*Block, bool) {
	if len(l.order) == 0 {
		return nil, false
	}
	return l.blocks[l.order[0]], true
}

// Successor returns the block immediately following id in list order —
// its implicit fall-through target.
func (l *BlockList) Successor(id BlockID) (*Block, bool) {
	pos, ok := l.indexOf(id)
	if !ok || pos+1 >= len(l.order) {
		return nil, false
	}
	return l.blocks[l.order[pos+1]], true
}

// Replace swaps the instructions of the block identified by id.
func (l *BlockList) Replace(id BlockID, instrs []Instr) {
	if b, ok := l.blocks[id]; ok {
		b.Instrs = instrs
	}
}

func (l *BlockList) indexOf(id BlockID) (int, bool) {
	for i, other := range l.order {
		if other == id {
			return i, true
		}
	}
	return 0, false
}

// Validate checks the block-list invariants spec.md §3 lists: every
// jump target resolves to a block in the list, and only the last block
// may fall through without a successor — and even then, per spec.md
// §4.C, the caller (not Validate) decides whether that's acceptable
// before flattening.
func (l *BlockList) Validate() error {
	for _, id := range l.order {
		for _, instr := range l.blocks[id].Instrs {
			if t, ok := instr.Target(); ok {
				if _, found := l.blocks[t]; !found {
					return &DanglingLabel{Target: t}
				}
			}
		}
	}
	return nil
}
