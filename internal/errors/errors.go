// Package errors defines the typed error kinds shared by every core component.
//
// Every fatal condition in the devirtualizer — a missing section byte, an
// unclassifiable handler, a missing intrinsic, a solver that can't decide
// between more than two targets, a CFG invariant violated during assembly —
// renders down to one of these kinds so the CLI can print the single
// descriptive diagnostic line the spec requires.
package errors

import (
	"fmt"
	"strings"
)

// Kind classifies a fatal error by which subsystem raised it.
type Kind string

const (
	Loader           Kind = "loader"
	TracerClassify   Kind = "tracer-classify"
	LifterLink       Kind = "lifter-link"
	Solver           Kind = "solver"
	InternalInvariant Kind = "internal-invariant"
)

// Error is the single error type returned across package boundaries in the
// core. It carries enough context to render the spec's single diagnostic
// line: the offending virtual address and, where available, the offending
// AST or disassembly text.
type Error struct {
	Kind   Kind
	VA     uint64
	HasVA  bool
	Detail string
	// AST, when non-empty, is the textual rendering of the symbolic AST
	// (or native disassembly) that triggered the error.
	AST string
	// Wrapped is the underlying error, if any, surfaced via Unwrap.
	Wrapped error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	sb.WriteString(e.Detail)
	if e.HasVA {
		fmt.Fprintf(&sb, " (va=0x%x)", e.VA)
	}
	if e.AST != "" {
		fmt.Fprintf(&sb, " [%s]", e.AST)
	}
	if e.Wrapped != nil {
		fmt.Fprintf(&sb, ": %v", e.Wrapped)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error with no virtual address attached.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// At builds an Error anchored to a virtual address.
func At(kind Kind, va uint64, detail string) *Error {
	return &Error{Kind: kind, VA: va, HasVA: true, Detail: detail}
}

// Wrap attaches an underlying error to a new Error of the given kind.
func Wrap(kind Kind, va uint64, detail string, err error) *Error {
	return &Error{Kind: kind, VA: va, HasVA: true, Detail: detail, Wrapped: err}
}

// WithAST attaches the textual AST/disassembly context to an existing error
// and returns it, for chaining at the call site that has the AST in hand.
func (e *Error) WithAST(ast fmt.Stringer) *Error {
	if ast != nil {
		e.AST = ast.String()
	}
	return e
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}

// Fatal reports whether the error kind is one the session must abort on.
// Per spec §7, tracer-classify and solver errors are fatal for the affected
// handler/block, but the current design does not attempt partial recovery,
// so every kind here terminates the session.
func Fatal(err error) bool {
	_, ok := err.(*Error)
	return ok
}
