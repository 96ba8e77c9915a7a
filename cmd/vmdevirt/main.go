// Command vmdevirt is the CLI driver for the static devirtualizer
// (spec.md §6). It wires together the binary loader, symbolic engine,
// tracer, explorer, lifter, and solver and writes the final devirtualized
// IR module to disk.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	verrors "github.com/arkenfold/vmdevirt/internal/errors"
	"github.com/arkenfold/vmdevirt/internal/explorer"
	"github.com/arkenfold/vmdevirt/internal/intrinsics"
	"github.com/arkenfold/vmdevirt/internal/lifter"
	"github.com/arkenfold/vmdevirt/internal/loader"
	"github.com/arkenfold/vmdevirt/internal/solver"
	"github.com/arkenfold/vmdevirt/internal/symbolic"
	"github.com/arkenfold/vmdevirt/internal/tracer"
	"github.com/arkenfold/vmdevirt/internal/vlog"
)

var log = vlog.For("cmd")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	var (
		binPath        = pflag.StringP("binary", "b", "", "path to the packed binary (required)")
		entryStr       = pflag.StringP("entrypoint", "e", "", "vmenter virtual address, decimal or hex (required)")
		intrinsicsPath = pflag.StringP("intrinsics", "i", "", "path to the intrinsics IR module (required)")
		outPath        = pflag.StringP("output", "o", "output.ll", "output IR file name")
		solverSaveAST  = pflag.Bool("solver-save-ast", false, "save each solver query's AST to disk")
		solverPrintAST = pflag.Bool("solver-print-ast", false, "print each solver query's AST to stderr")
		maxDepth       = pflag.Int("max-explore-depth", 4096, "worklist iteration cap (safety valve against runaway exploration)")
		dotPath        = pflag.String("dot", "", "optional path to write a Graphviz dump of the final routine")
		verbose        = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	if *verbose {
		vlog.SetLevel(vlog.LevelDebug)
	}

	if *binPath == "" || *entryStr == "" || *intrinsicsPath == "" {
		pflag.Usage()
		return verrors.New(verrors.Loader, "missing required flag(s): -b, -e, -i")
	}
	entry, err := parseAddr(*entryStr)
	if err != nil {
		return verrors.New(verrors.Loader, fmt.Sprintf("invalid entrypoint %q: %v", *entryStr, err))
	}

	img, err := loader.Open(*binPath)
	if err != nil {
		return err
	}
	intr, err := intrinsics.Load(*intrinsicsPath)
	if err != nil {
		return err
	}

	cfg := explorer.DefaultConfig()
	cfg.MaxExploreDepth = *maxDepth

	eng := symbolic.NewEngine(img, img.Bits, entry, cfg.InitialRSP)
	seed := tracer.New(eng)

	l := lifter.New(intr)
	sv := solver.New()
	defer sv.Close()
	sv.PrintAST = *solverPrintAST
	if *solverSaveAST {
		astDir := "solver-ast"
		if err := os.MkdirAll(astDir, 0o755); err != nil {
			return verrors.Wrap(verrors.InternalInvariant, 0, "creating solver AST output directory", err)
		}
		sv.SaveASTDir = astDir
	}

	exp := explorer.New(cfg, l, sv)
	routine, err := exp.Explore(seed, entry)
	if err != nil {
		return err
	}
	for _, note := range routine.Diagnostics {
		log.Warn("exploration diagnostic", "note", note)
	}

	finalFn, err := l.BuildCFG(routine, lifter.InvalidVip)
	if err != nil {
		return err
	}
	coalesced, err := l.Optimize(finalFn)
	if err != nil {
		return err
	}

	if err := writeModule(l, *outPath); err != nil {
		return err
	}
	if *dotPath != "" {
		if err := writeDot(routine, *dotPath); err != nil {
			return err
		}
	}
	log.Info("devirtualization complete", "blocks", len(routine.Blocks), "coalesced", coalesced, "output", *outPath)
	return nil
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func writeModule(l *lifter.Lifter, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return verrors.Wrap(verrors.InternalInvariant, 0, "creating output file", err)
	}
	defer f.Close()
	_, err = f.WriteString(l.Module.String())
	if err != nil {
		return verrors.Wrap(verrors.InternalInvariant, 0, "writing output IR", err)
	}
	return nil
}

func writeDot(routine interface{ ToDot() string }, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return verrors.Wrap(verrors.InternalInvariant, 0, "creating dot file", err)
	}
	defer f.Close()
	_, err = f.WriteString(routine.ToDot())
	if err != nil {
		return verrors.Wrap(verrors.InternalInvariant, 0, "writing dot file", err)
	}
	return nil
}
