// Package solver implements C6: given an IR value representing a computed
// branch target, enumerate concrete destinations via SMT (spec.md §4.6).
package solver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
	z3 "github.com/mitchellh/go-z3"

	verrors "github.com/arkenfold/vmdevirt/internal/errors"
	"github.com/arkenfold/vmdevirt/internal/vlog"
)

var log = vlog.For("solver")

// MaxTargets is the cap spec.md §4.6 imposes: more than two distinct targets
// means the branch is treated as an unsolvable indirect jump (jump tables
// are explicitly out of scope).
const MaxTargets = 2

// targetVarName is the auxiliary free variable the solver asserts equal to
// the branch-target expression, so its concrete value can be read back from
// the model's assignments without needing a generic AST-eval primitive.
const targetVarName = "__target"

// Solver wraps a Z3 context and converts IR branch-target values into Z3
// integer ASTs for target enumeration.
type Solver struct {
	cfg *z3.Config
	ctx *z3.Context

	// PrintAST and SaveASTDir back the CLI's -solver-print-ast and
	// -solver-save-ast diagnostic flags (spec.md §6): log, or persist to
	// disk, the AST built for every EnumerateTargets query.
	PrintAST   bool
	SaveASTDir string

	astCounter int
}

// New opens a fresh Z3 context.
func New() *Solver {
	cfg := z3.NewConfig()
	ctx := z3.NewContext(cfg)
	return &Solver{cfg: cfg, ctx: ctx}
}

// Close releases the underlying Z3 context.
func (s *Solver) Close() {
	s.ctx.Close()
	s.cfg.Close()
}

// ConstantValue returns v's concrete value if it is a literal constant,
// used by the Explorer's Exit handling to detect direct external calls and
// constant continuation addresses (spec.md §4.5).
func (s *Solver) ConstantValue(v value.Value) (uint64, bool) {
	if c, ok := v.(*constant.Int); ok {
		return uint64(c.X.Int64()), true
	}
	return 0, false
}

// EnumerateTargets implements spec.md §4.6: convert pc to a Z3 AST, and if
// constant return its single value; otherwise iteratively assert `!= 0` and
// `!= previous`, querying the model each time, capping at MaxTargets
// distinct targets (more than that is treated as unsolvable and an empty
// slice is returned, matching the spec's "jump tables are out of scope").
func (s *Solver) EnumerateTargets(pc value.Value) ([]uint64, error) {
	if v, ok := s.ConstantValue(pc); ok {
		return []uint64{v}, nil
	}

	pc = s.rewriteOrToAdd(pc)
	ast, err := s.toAST(pc)
	if err != nil {
		return nil, verrors.Wrap(verrors.Solver, 0, "converting branch target to SMT AST", err)
	}
	s.dumpAST(ast)

	solverH := s.ctx.NewSolver()
	defer solverH.Close()

	intSort := s.ctx.IntSort()
	targetVar := s.ctx.Const(s.ctx.Symbol(targetVarName), intSort)
	solverH.Assert(targetVar.Eq(ast))

	zero := s.ctx.Int(0, intSort)
	solverH.Assert(targetVar.Eq(zero).Not())

	var targets []uint64
	for len(targets) <= MaxTargets {
		if solverH.Check() != z3.True {
			break
		}
		model := solverH.Model()
		assignments := model.Assignments()
		model.Close()

		val, ok := readInt(assignments[targetVarName])
		if !ok {
			break
		}
		targets = append(targets, uint64(val))
		prev := s.ctx.Int(int(val), intSort)
		solverH.Assert(targetVar.Eq(prev).Not())
	}

	if len(targets) > MaxTargets {
		log.Warn("branch target enumeration exceeded cap, treating as unsolvable", "count", len(targets))
		return nil, nil
	}
	return targets, nil
}

func readInt(a *z3.AST) (int64, bool) {
	if a == nil {
		return 0, false
	}
	return a.Int64()
}

// dumpAST implements the -solver-print-ast / -solver-save-ast diagnostic
// flags of spec.md §6: print the query AST via the solver's own logger
// and/or persist it as a numbered .smt2 file under SaveASTDir. Both are
// no-ops unless the corresponding flag/field is set.
func (s *Solver) dumpAST(ast *z3.AST) {
	if !s.PrintAST && s.SaveASTDir == "" {
		return
	}
	text := ast.String()
	if s.PrintAST {
		log.Info("solver query AST", "ast", text)
	}
	if s.SaveASTDir != "" {
		s.astCounter++
		path := filepath.Join(s.SaveASTDir, fmt.Sprintf("query-%04d.smt2", s.astCounter))
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			log.Warn("failed to save solver AST", "path", path, "err", err)
		}
	}
}

// toAST converts an *value.Value branch-target expression to a Z3 integer AST.
// This is the "LLVM-to-AST bridge" SPEC_FULL.md §4.6 describes as part of
// the symbolic execution engine's contract; here it is scoped to exactly
// the instruction shapes the lifter's call/icmp/arithmetic chain produces,
// minting a fresh free variable for anything it cannot decompose further
// (loads, function parameters, opaque calls).
func (s *Solver) toAST(v value.Value) (*z3.AST, error) {
	intSort := s.ctx.IntSort()
	switch x := v.(type) {
	case *constant.Int:
		return s.ctx.Int(int(x.X.Int64()), intSort), nil
	case *ir.InstAdd:
		a, err := s.toAST(x.X)
		if err != nil {
			return nil, err
		}
		b, err := s.toAST(x.Y)
		if err != nil {
			return nil, err
		}
		return a.Add(b), nil
	case *ir.InstSub:
		a, err := s.toAST(x.X)
		if err != nil {
			return nil, err
		}
		b, err := s.toAST(x.Y)
		if err != nil {
			return nil, err
		}
		return a.Sub(b), nil
	case *ir.InstOr:
		// Reached only when rewriteOrToAdd declined the rewrite (operands
		// not provably disjoint); treated as an opaque free variable since
		// this package has no bitwise-or theory without a BV sort.
		return s.freshVar(fmt.Sprintf("or.%p", x)), nil
	case *ir.InstLoad:
		return s.freshVar(fmt.Sprintf("load.%p", x)), nil
	case *ir.Param:
		return s.freshVar("param." + x.Name()), nil
	default:
		return s.freshVar(fmt.Sprintf("opaque.%p", x)), nil
	}
}

func (s *Solver) freshVar(name string) *z3.AST {
	return s.ctx.Const(s.ctx.Symbol(name), s.ctx.IntSort())
}

// rewriteOrToAdd implements spec.md §4.6's preprocessing step: if the root
// is an `or`, rewrite to `add`, since the VM emits `or` where arithmetically
// `add` would simplify better. Per SPEC_FULL.md §9's resolution of the
// corresponding Open Question, this is guarded by a disjoint-bits check on
// the operands' constant-foldable bit ranges; if disjointness cannot be
// established statically the rewrite is skipped (logged) rather than
// silently risking unsoundness.
func (s *Solver) rewriteOrToAdd(v value.Value) value.Value {
	orInst, ok := v.(*ir.InstOr)
	if !ok {
		return v
	}
	if !disjointOperands(orInst.X, orInst.Y) {
		log.Warn("or-to-add rewrite skipped: operands not provably disjoint")
		return v
	}
	return &ir.InstAdd{X: orInst.X, Y: orInst.Y}
}

// disjointOperands is a conservative syntactic check: true only when both
// operands are constants whose bit patterns do not overlap. Any
// non-constant operand is treated as not provably disjoint (safe default:
// decline the rewrite rather than risk unsoundness).
func disjointOperands(x, y value.Value) bool {
	cx, ok := x.(*constant.Int)
	if !ok {
		return false
	}
	cy, ok := y.(*constant.Int)
	if !ok {
		return false
	}
	return cx.X.Int64()&cy.X.Int64() == 0
}
