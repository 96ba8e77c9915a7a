package symbolic

// RegisterFile tracks, per native GPR name, both its current symbolic AST
// and (while a concrete backing value is still known) its concrete value.
// GPR names are the 64-bit canonical names ("rax", "rcx", ...); sub-register
// writes (eax/ax/al) are resolved by the caller before touching the file,
// mirroring how the tracer's prelude only ever re-symbolizes whole GPRs
// (spec.md §4.2).
type RegisterFile struct {
	sym      map[string]*Expr
	concrete map[string]uint64
	hasConc  map[string]bool
}

func NewRegisterFile() *RegisterFile {
	return &RegisterFile{
		sym:      make(map[string]*Expr),
		concrete: make(map[string]uint64),
		hasConc:  make(map[string]bool),
	}
}

// Clone deep-copies the register file for Tracer.fork() (spec.md §4.2).
func (r *RegisterFile) Clone() *RegisterFile {
	c := NewRegisterFile()
	for k, v := range r.sym {
		c.sym[k] = v
	}
	for k, v := range r.concrete {
		c.concrete[k] = v
	}
	for k, v := range r.hasConc {
		c.hasConc[k] = v
	}
	return c
}

// Symbolize replaces reg's AST with a fresh symbolic variable (optionally
// aliased), dropping any concrete value it was shadowing.
func (r *RegisterFile) Symbolize(reg string, alias string, bits uint) *Expr {
	e := NewSymAlias(reg, alias, bits)
	r.sym[reg] = e
	delete(r.hasConc, reg)
	return e
}

// SetSymbolic assigns an already-built AST to reg (e.g. the result of
// executing a native instruction symbolically).
func (r *RegisterFile) SetSymbolic(reg string, e *Expr) {
	r.sym[reg] = e
	delete(r.hasConc, reg)
}

// SetConcrete assigns both a concrete value and the matching constant AST
// (used by the vmenter prelude, which runs on real register contents).
func (r *RegisterFile) SetConcrete(reg string, val uint64, bits uint) {
	r.sym[reg] = NewConst(val, bits)
	r.concrete[reg] = val
	r.hasConc[reg] = true
}

// AST returns the current symbolic expression for reg.
func (r *RegisterFile) AST(reg string) *Expr {
	if e, ok := r.sym[reg]; ok {
		return e
	}
	return NewSym(reg, 64)
}

// Concrete returns the concrete value for reg if still tracked.
func (r *RegisterFile) Concrete(reg string) (uint64, bool) {
	v, ok := r.hasConc[reg]
	if !ok {
		return 0, false
	}
	return r.concrete[reg], v
}
