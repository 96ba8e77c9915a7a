// Package symbolic stands in for the "symbolic execution engine" spec.md §1
// lists as an out-of-scope external collaborator: a concrete/symbolic CPU
// emulator with AST queries. Because this module must still run end to end,
// this package provides a real, if deliberately narrow, implementation of
// that contract — scoped to exactly the native instruction shapes spec.md
// §4.2 enumerates for VM handlers (mov/lea/add/sub/and/or/not/neg/shift/
// rotate/push/pop/cmp/test/jmp/jcc/ret/popfq), not a general-purpose x86
// emulator.
package symbolic

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind tags the variant of a symbolic AST node.
type Kind int

const (
	KSym Kind = iota
	KConst
	KExtract
	KConcat
	KZExt
	KSExt
	KNot
	KNeg
	KAdd
	KSub
	KMul
	KAnd
	KOr
	KXor
	KShl
	KLshr
	KAshr
	KRor
	KRol
	KUlt
	KUle
	KEq
	KIte
)

var kindNames = map[Kind]string{
	KSym: "sym", KConst: "const", KExtract: "extract", KConcat: "concat",
	KZExt: "zext", KSExt: "sext", KNot: "not", KNeg: "neg", KAdd: "add",
	KSub: "sub", KMul: "mul", KAnd: "and", KOr: "or", KXor: "xor",
	KShl: "shl", KLshr: "lshr", KAshr: "ashr", KRor: "ror", KRol: "rol",
	KUlt: "ult", KUle: "ule", KEq: "eq", KIte: "ite",
}

// Expr is a node in the symbolic AST the tracer pattern-matches against
// (spec.md §4.2). It is immutable once built; Id is a hash-consing key
// (not a strict global intern, just a stable structural hash) used both for
// equality checks during pattern matching and as the tracer's cache key for
// "the host instruction that produced this variable" (spec.md §3).
type Expr struct {
	Kind Kind
	Bits uint

	// KSym fields. Alias is one of "[vsp]", "vip", "vregs", "[memory]",
	// "[vip]", or "" for a plain native register symbol (spec.md §4.2).
	Name    string
	Alias   string
	Comment string

	// KConst field.
	ConstVal uint64

	// KExtract fields: bits [Hi:Lo] of Children[0].
	Hi, Lo uint

	Children []*Expr

	id uint64
}

func (e *Expr) Id() uint64 {
	if e == nil {
		return 0
	}
	return e.id
}

func (e *Expr) computeId() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%d|%d|%d", e.Kind, e.Bits, e.Name, e.Alias, e.ConstVal, e.Hi, e.Lo)
	for _, c := range e.Children {
		binary.Write(h, binary.LittleEndian, c.Id())
	}
	return h.Sum64()
}

func build(e *Expr) *Expr {
	e.id = e.computeId()
	return e
}

// NewSym mints a fresh symbolic variable under the given name with no
// alias tag.
func NewSym(name string, bits uint) *Expr {
	return build(&Expr{Kind: KSym, Name: name, Bits: bits})
}

// NewSymAlias mints a symbolic variable carrying one of the alias tags the
// tracer's prelude assigns (spec.md §4.2): "[vsp]", "vip", "vregs",
// "[memory]", "[vip]".
func NewSymAlias(name, alias string, bits uint) *Expr {
	return build(&Expr{Kind: KSym, Name: name, Alias: alias, Bits: bits})
}

// WithComment returns a copy of e with its Comment field set, used to stash
// the concrete vreg index or the base-register name recovered at load time
// (spec.md §4.2).
func (e *Expr) WithComment(c string) *Expr {
	cp := *e
	cp.Comment = c
	cp.id = cp.computeId()
	return &cp
}

// NewConst mints a constant bitvector.
func NewConst(val uint64, bits uint) *Expr {
	if bits < 64 {
		val &= (uint64(1) << bits) - 1
	}
	return build(&Expr{Kind: KConst, ConstVal: val, Bits: bits})
}

func unary(k Kind, x *Expr) *Expr {
	return build(&Expr{Kind: k, Bits: x.Bits, Children: []*Expr{x}})
}

func binaryOp(k Kind, a, b *Expr) *Expr {
	bits := a.Bits
	if b.Bits > bits {
		bits = b.Bits
	}
	return build(&Expr{Kind: k, Bits: bits, Children: []*Expr{a, b}})
}

func Not(x *Expr) *Expr { return unary(KNot, x) }
func Neg(x *Expr) *Expr { return unary(KNeg, x) }

func Add(a, b *Expr) *Expr  { return binaryOp(KAdd, a, b) }
func Sub(a, b *Expr) *Expr  { return binaryOp(KSub, a, b) }
func Mul(a, b *Expr) *Expr  { return binaryOp(KMul, a, b) }
func And(a, b *Expr) *Expr  { return binaryOp(KAnd, a, b) }
func Or(a, b *Expr) *Expr   { return binaryOp(KOr, a, b) }
func Xor(a, b *Expr) *Expr  { return binaryOp(KXor, a, b) }
func Shl(a, b *Expr) *Expr  { return binaryOp(KShl, a, b) }
func Lshr(a, b *Expr) *Expr { return binaryOp(KLshr, a, b) }
func Ashr(a, b *Expr) *Expr { return binaryOp(KAshr, a, b) }
func Ror(a, b *Expr) *Expr  { return binaryOp(KRor, a, b) }
func Rol(a, b *Expr) *Expr  { return binaryOp(KRol, a, b) }

func Ult(a, b *Expr) *Expr { return build(&Expr{Kind: KUlt, Bits: 1, Children: []*Expr{a, b}}) }
func Ule(a, b *Expr) *Expr { return build(&Expr{Kind: KUle, Bits: 1, Children: []*Expr{a, b}}) }
func Eq(a, b *Expr) *Expr  { return build(&Expr{Kind: KEq, Bits: 1, Children: []*Expr{a, b}}) }

func Ite(cond, t, f *Expr) *Expr {
	return build(&Expr{Kind: KIte, Bits: t.Bits, Children: []*Expr{cond, t, f}})
}

// Extract returns bits [hi:lo] of x.
func Extract(x *Expr, hi, lo uint) *Expr {
	return build(&Expr{Kind: KExtract, Bits: hi - lo + 1, Hi: hi, Lo: lo, Children: []*Expr{x}})
}

// Concat concatenates hi:lo (hi in the most-significant position).
func Concat(hi, lo *Expr) *Expr {
	return build(&Expr{Kind: KConcat, Bits: hi.Bits + lo.Bits, Children: []*Expr{hi, lo}})
}

func ZExt(x *Expr, bits uint) *Expr {
	return build(&Expr{Kind: KZExt, Bits: bits, Children: []*Expr{x}})
}

func SExt(x *Expr, bits uint) *Expr {
	return build(&Expr{Kind: KSExt, Bits: bits, Children: []*Expr{x}})
}

func (e *Expr) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case KSym:
		if e.Alias != "" {
			return fmt.Sprintf("%s/*%s*/", e.Name, e.Alias)
		}
		return e.Name
	case KConst:
		return fmt.Sprintf("0x%x", e.ConstVal)
	case KExtract:
		return fmt.Sprintf("extract(%d,%d,%s)", e.Hi, e.Lo, e.Children[0])
	default:
		parts := make([]string, len(e.Children))
		for i, c := range e.Children {
			parts[i] = c.String()
		}
		return fmt.Sprintf("%s(%s)", kindNames[e.Kind], strings.Join(parts, ","))
	}
}

// IsConst reports whether e is a constant node.
func (e *Expr) IsConst() bool { return e != nil && e.Kind == KConst }

// Uses reports whether e's transitive AST mentions a symbol with each of the
// given aliases (all of them must appear). Used throughout the tracer's store/load classification
// (spec.md §4.2 "mem uses {...}").
func (e *Expr) Uses(aliases ...string) bool {
	found := map[string]bool{}
	var walk func(*Expr)
	walk = func(n *Expr) {
		if n == nil {
			return
		}
		if n.Kind == KSym && n.Alias != "" {
			found[n.Alias] = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(e)
	for _, a := range aliases {
		if !found[a] {
			return false
		}
	}
	return true
}

// UsesOnly reports whether every aliased symbol appearing in e's AST is a
// member of the given set (and at least one appears) — used where the
// spec's pattern list requires "mem uses {rsp,[vip]}" to mean exactly that
// set, not a superset.
func (e *Expr) UsesOnly(aliases ...string) bool {
	allowed := map[string]bool{}
	for _, a := range aliases {
		allowed[a] = true
	}
	ok := true
	any := false
	var walk func(*Expr)
	walk = func(n *Expr) {
		if n == nil {
			return
		}
		if n.Kind == KSym && n.Alias != "" {
			any = true
			if !allowed[n.Alias] {
				ok = false
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(e)
	return ok && any
}

// FindAlias returns the first symbolic node carrying the given alias, or
// nil, used to recover a stashed Comment (concrete vreg index, load-time
// base register) at classification time.
func (e *Expr) FindAlias(alias string) *Expr {
	if e == nil {
		return nil
	}
	if e.Kind == KSym && e.Alias == alias {
		return e
	}
	for _, c := range e.Children {
		if f := c.FindAlias(alias); f != nil {
			return f
		}
	}
	return nil
}

// StripWrappers walks through Extract/ZExt/SExt wrapper nodes introduced by
// 8/16-bit slicing (spec.md §4.2) and returns the innermost expression
// together with the chain of wrappers peeled off, outermost first. Concat
// nodes are not peeled: a Concat is returned as the inner expression.
func StripWrappers(e *Expr) (inner *Expr, wrappers []*Expr) {
	for e != nil {
		switch e.Kind {
		case KExtract, KZExt, KSExt:
			wrappers = append(wrappers, e)
			e = e.Children[0]
			continue
		}
		return e, wrappers
	}
	return e, wrappers
}
