package vinsn

import (
	"fmt"
	"sort"
	"strings"
)

// Routine owns a vip -> BasicBlock mapping and has an entry block. Routine
// exclusively owns block lifetime (spec.md §3 Ownership); BasicBlocks hold
// only a back-pointer to their owning Routine, never to each other.
type Routine struct {
	Entry       uint64
	Blocks      map[uint64]*BasicBlock
	// Diagnostics accumulates non-fatal classification notes collected
	// during exploration (SPEC_FULL.md §3), surfaced by the CLI instead of
	// printed immediately.
	Diagnostics []string
}

// NewRoutine creates an empty routine anchored at entry.
func NewRoutine(entry uint64) *Routine {
	return &Routine{
		Entry:  entry,
		Blocks: make(map[uint64]*BasicBlock),
	}
}

// NewBlock creates a new block owned by this routine, keyed by vip. It is
// an internal-invariant error to create two blocks with the same vip.
func (r *Routine) NewBlock(vip uint64) (*BasicBlock, error) {
	if _, exists := r.Blocks[vip]; exists {
		return nil, fmt.Errorf("vinsn: duplicate block at vip=0x%x", vip)
	}
	b := &BasicBlock{Vip: vip, Routine: r}
	r.Blocks[vip] = b
	return b, nil
}

// Block looks up a block by vip.
func (r *Routine) Block(vip uint64) (*BasicBlock, bool) {
	b, ok := r.Blocks[vip]
	return b, ok
}

// EntryBlock returns the routine's entry block.
func (r *Routine) EntryBlock() *BasicBlock {
	b, _ := r.Blocks[r.Entry]
	return b
}

// Note appends a non-fatal diagnostic to the routine.
func (r *Routine) Note(format string, args ...any) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

// sortedVips returns block vips in ascending order, for deterministic
// serialization.
func (r *Routine) sortedVips() []uint64 {
	vips := make([]uint64, 0, len(r.Blocks))
	for vip := range r.Blocks {
		vips = append(vips, vip)
	}
	sort.Slice(vips, func(i, j int) bool { return vips[i] < vips[j] })
	return vips
}

// ToDot serializes the routine to a Graphviz dot string (spec.md §3). There
// is no graphviz library anywhere in the retrieved corpus; every CFG
// visualizer found (e.g. a sibling MIR compiler's cfg_viz.go) builds the dot
// text by hand with strings.Builder, which is what this mirrors.
func (r *Routine) ToDot() string {
	var sb strings.Builder
	sb.WriteString("digraph Routine {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, fontname=\"Courier\"];\n")

	for _, vip := range r.sortedVips() {
		b := r.Blocks[vip]
		label := strings.ReplaceAll(b.String(), "\"", "\\\"")
		label = strings.ReplaceAll(label, "\n", "\\l")
		style := ""
		if vip == r.Entry {
			style = ", color=blue, penwidth=2"
		}
		fmt.Fprintf(&sb, "  \"0x%x\" [label=\"%s\"%s];\n", vip, label, style)
		for _, succ := range b.Successors {
			fmt.Fprintf(&sb, "  \"0x%x\" -> \"0x%x\";\n", vip, succ)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
