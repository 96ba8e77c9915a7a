// Package aliasing implements C4: a custom alias analysis that distinguishes
// VM-stack, VM-register, and native-memory pointer categories, plus a
// store-coalescing pass that merges adjacent small stores (spec.md §4.4).
//
// llir/llvm ships neither memory-SSA nor scalar-evolution, so this package
// is, as spec.md frames it, the system's own custom analysis: a direct walk
// over instruction operands rather than a query against a generic framework.
package aliasing

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/arkenfold/vmdevirt/internal/vlog"
)

var log = vlog.For("aliasing")

// PointerClass is the discriminator spec.md §4.4 classifies every pointer
// into.
type PointerClass int

const (
	Unknown PointerClass = iota
	MemoryArray
	MemorySlot
	StackArray
	StackSlot
)

func (c PointerClass) String() string {
	switch c {
	case MemoryArray:
		return "memory_array"
	case MemorySlot:
		return "memory_slot"
	case StackArray:
		return "stack_array"
	case StackSlot:
		return "stack_slot"
	default:
		return "unknown"
	}
}

// Classify implements spec.md §4.4's pointer-type discriminator: a GEP into
// the global RAM array with a two-level index, whose inner index either
// matches a stack-pointer shape (-> *_slot) or walks down to exactly two
// distinct bases (-> *_array).
func Classify(v value.Value, ramGlobal *ir.Global, spParams map[string]*ir.Param) PointerClass {
	gep, ok := v.(*ir.InstGetElementPtr)
	if !ok {
		return Unknown
	}
	if gep.Src != ramGlobal {
		return Unknown
	}
	if len(gep.Indices) < 2 {
		return Unknown
	}
	inner := gep.Indices[1]

	if isStackShape(inner, spParams) {
		if isArrayShaped(inner) {
			return StackArray
		}
		return StackSlot
	}

	bases := make(map[value.Value]bool)
	ok2 := walkBases(inner, bases, 0)
	if ok2 && len(bases) == 2 {
		return MemoryArray
	}
	if ok2 && len(bases) == 1 {
		return MemorySlot
	}
	return Unknown
}

// isStackShape reports whether idx is load(sp), load(sp)+const, or
// sp+const for one of the named stack-pointer parameters (spec.md §4.4
// "The inner index matches load(arg_named_*sp) or load(*sp) + const_int or
// *sp + const_int").
func isStackShape(idx value.Value, spParams map[string]*ir.Param) bool {
	if isSPLoad(idx, spParams) {
		return true
	}
	add, ok := idx.(*ir.InstAdd)
	if !ok {
		return false
	}
	if _, isConst := add.Y.(*constant.Int); !isConst {
		return false
	}
	if isSPLoad(add.X, spParams) {
		return true
	}
	if p, ok := add.X.(*ir.Param); ok && spParams[p.Name()] != nil {
		return true
	}
	return false
}

func isSPLoad(v value.Value, spParams map[string]*ir.Param) bool {
	ld, ok := v.(*ir.InstLoad)
	if !ok {
		return false
	}
	p, ok := ld.Src.(*ir.Param)
	if !ok {
		return false
	}
	return spParams[p.Name()] != nil
}

// isArrayShaped reports whether idx still has a variable (non-constant)
// component once the stack-base contribution is accounted for — used only
// to distinguish *_array from *_slot within the stack-shaped case; a bare
// sp/load(sp) or sp+const is always a single slot, never an array, so this
// always returns false in the current pattern set (kept as its own
// function so a future widened pattern has a single place to extend).
func isArrayShaped(idx value.Value) bool { return false }

// walkBases implements spec.md §4.4's transitive-operand walk: accumulate
// *bases* (loads and function args) through binary ops, selects, truncs,
// zext/sext, icmp, phis, and ctpop/fshr/fshl intrinsics. Returns false if an
// instruction outside that closed set is encountered (classification then
// falls back to Unknown, matching "Unknown instructions -> unknown").
func walkBases(v value.Value, bases map[value.Value]bool, depth int) bool {
	if depth > 64 {
		return false
	}
	switch x := v.(type) {
	case *ir.InstLoad:
		bases[v] = true
		return true
	case *ir.Param:
		bases[v] = true
		return true
	case *constant.Int:
		return true
	case *ir.InstAdd:
		return walkBases(x.X, bases, depth+1) && walkBases(x.Y, bases, depth+1)
	case *ir.InstSub:
		return walkBases(x.X, bases, depth+1) && walkBases(x.Y, bases, depth+1)
	case *ir.InstMul:
		return walkBases(x.X, bases, depth+1) && walkBases(x.Y, bases, depth+1)
	case *ir.InstAnd:
		return walkBases(x.X, bases, depth+1) && walkBases(x.Y, bases, depth+1)
	case *ir.InstOr:
		return walkBases(x.X, bases, depth+1) && walkBases(x.Y, bases, depth+1)
	case *ir.InstXor:
		return walkBases(x.X, bases, depth+1) && walkBases(x.Y, bases, depth+1)
	case *ir.InstSelect:
		return walkBases(x.ValueTrue, bases, depth+1) && walkBases(x.ValueFalse, bases, depth+1)
	case *ir.InstTrunc:
		return walkBases(x.From, bases, depth+1)
	case *ir.InstZExt:
		return walkBases(x.From, bases, depth+1)
	case *ir.InstSExt:
		return walkBases(x.From, bases, depth+1)
	case *ir.InstICmp:
		return walkBases(x.X, bases, depth+1) && walkBases(x.Y, bases, depth+1)
	case *ir.InstPhi:
		for _, inc := range x.Incs {
			if !walkBases(inc.X, bases, depth+1) {
				return false
			}
		}
		return true
	case *ir.InstCall:
		if fn, ok := x.Callee.(*ir.Func); ok {
			switch fn.Name() {
			case "llvm.ctpop.i64", "llvm.fshl.i64", "llvm.fshr.i64":
				ok := true
				for _, a := range x.Args {
					ok = ok && walkBases(a, bases, depth+1)
				}
				return ok
			}
		}
		return false
	default:
		return false
	}
}

// NoAlias implements spec.md §4.4's custom-AA entry point: NoAlias whenever
// both locations classify into known and distinct categories (spec.md §8
// invariant 6 — never MustAlias, only NoAlias or delegated/false meaning
// "fall through to standard alias analysis").
func NoAlias(a, b value.Value, ramGlobal *ir.Global, spParams map[string]*ir.Param) bool {
	ca := Classify(a, ramGlobal, spParams)
	cb := Classify(b, ramGlobal, spParams)
	if ca == Unknown || cb == Unknown {
		return false
	}
	return ca != cb
}

// storeInfo is a coalescing candidate: a narrow store with a decoded
// `(constant + %base + @RAM)` pointer shape (spec.md §4.4).
type storeInfo struct {
	inst   *ir.InstStore
	base   value.Value
	offset int64
	size   int64
}

// CoalesceBlock implements spec.md §4.4's store-coalescing pass: walk bb's
// instruction stream in order, tracking at most one pending narrow-store
// candidate, and fuse it with the next store when both are equal-size
// (<8 byte), share a base, and sit at contiguous offsets. Any intervening
// instruction that is not provably NoAlias against the pending store's
// pointer (per this package's custom alias analysis) or that may touch
// memory opaquely (a call) invalidates the pending candidate, so coalescing
// only ever fires across a run of instructions proven safe to reorder
// through. Both originals are removed from the block's instruction list on a
// successful fuse; the function returns the number of pairs coalesced.
func CoalesceBlock(bb *ir.Block, ramGlobal *ir.Global, spParams map[string]*ir.Param) int {
	toErase := make(map[*ir.InstStore]bool)
	replacement := make(map[*ir.InstStore]*ir.InstStore)
	coalesced := 0

	var pending *storeInfo
	for _, inst := range bb.Insts {
		if st, ok := inst.(*ir.InstStore); ok {
			info := decodeStore(st, ramGlobal)
			if pending != nil && info != nil &&
				pending.size == info.size && pending.size < 8 &&
				pending.base == info.base &&
				info.offset+info.size == pending.offset {
				wideBits := uint64(pending.size * 8 * 2)
				wideTy := types.NewInt(wideBits)
				val0 := zextTo(pending.inst.Src, wideTy)
				val1 := zextTo(info.inst.Src, wideTy)
				shifted := combineShift(val0, val1, pending.size*8)

				newStore := &ir.InstStore{Src: shifted, Dst: info.inst.Dst}
				toErase[pending.inst] = true
				toErase[info.inst] = true
				replacement[info.inst] = newStore
				coalesced++
				log.Debug("coalesced adjacent stores", "offset0", pending.offset, "offset1", info.offset, "size", pending.size)
				pending = nil
				continue
			}
			pending = info
			continue
		}

		if pending == nil {
			continue
		}
		ptr, ok := memoryPointerOperand(inst)
		if !ok {
			if _, isCall := inst.(*ir.InstCall); isCall {
				pending = nil
			}
			continue
		}
		if !NoAlias(pending.inst.Dst, ptr, ramGlobal, spParams) {
			pending = nil
		}
	}

	if len(toErase) > 0 {
		kept := make([]ir.Instruction, 0, len(bb.Insts))
		for _, inst := range bb.Insts {
			st, ok := inst.(*ir.InstStore)
			if !ok {
				kept = append(kept, inst)
				continue
			}
			if repl, isRepl := replacement[st]; isRepl {
				kept = append(kept, repl)
				continue
			}
			if toErase[st] {
				continue
			}
			kept = append(kept, inst)
		}
		bb.Insts = kept
	}
	return coalesced
}

// memoryPointerOperand extracts the single pointer operand of a Load or
// Store instruction, used by CoalesceBlock to NoAlias-check instructions
// that fall between a pending store candidate and its potential partner.
func memoryPointerOperand(inst ir.Instruction) (value.Value, bool) {
	switch x := inst.(type) {
	case *ir.InstLoad:
		return x.Src, true
	case *ir.InstStore:
		return x.Dst, true
	default:
		return nil, false
	}
}

// zextTo wraps v in a zext to wider if its type is narrower, a no-op
// otherwise — used to build `(zext(val0) << (size*8)) | zext(val1)`
// (spec.md §8 invariant 5) without a containing block reference (the caller
// splices the resulting expression into a fresh store).
func zextTo(v value.Value, wider types.Type) value.Value {
	if v.Type().Equal(wider) {
		return v
	}
	return &ir.InstZExt{From: v, To: wider}
}

// combineShift builds `(val0 << shiftBits) | val1`, the coalesced store's
// value expression (spec.md §8 invariant 5).
func combineShift(val0, val1 value.Value, shiftBits int64) value.Value {
	shiftAmt := constant.NewInt(val0.Type().(*types.IntType), shiftBits)
	shl := &ir.InstShl{X: val0, Y: shiftAmt}
	return &ir.InstOr{X: shl, Y: val1}
}

// decodeStore recovers a storeInfo for st if its pointer operand matches the
// `(constant + %base + @RAM)` shape spec.md §4.4 requires for coalescing
// eligibility; returns nil otherwise.
func decodeStore(st *ir.InstStore, ramGlobal *ir.Global) *storeInfo {
	gep, ok := st.Dst.(*ir.InstGetElementPtr)
	if !ok || gep.Src != ramGlobal || len(gep.Indices) < 2 {
		return nil
	}
	base, offset, ok := decodeBaseOffset(gep.Indices[1])
	if !ok {
		return nil
	}
	sizeBits, ok := intBits(st.Src.Type())
	if !ok {
		return nil
	}
	return &storeInfo{inst: st, base: base, offset: offset, size: sizeBits / 8}
}

// decodeBaseOffset splits idx into (base value, constant offset), matching
// `%base + const` or a bare constant (base == nil in the latter case,
// represented by ramGlobal itself as a sentinel base so equal-constant
// stores still compare equal).
func decodeBaseOffset(idx value.Value) (value.Value, int64, bool) {
	if c, ok := idx.(*constant.Int); ok {
		return nil, c.X.Int64(), true
	}
	add, ok := idx.(*ir.InstAdd)
	if !ok {
		return nil, 0, false
	}
	if c, ok := add.Y.(*constant.Int); ok {
		return add.X, c.X.Int64(), true
	}
	if c, ok := add.X.(*constant.Int); ok {
		return add.Y, c.X.Int64(), true
	}
	return nil, 0, false
}

func intBits(t types.Type) (int64, bool) {
	it, ok := t.(*types.IntType)
	if !ok {
		return 0, false
	}
	return int64(it.BitSize), true
}
