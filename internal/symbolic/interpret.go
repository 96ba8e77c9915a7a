package symbolic

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// regName64 canonicalizes any x86 register (al/ax/eax/rax/...) to its
// 64-bit name, which is what RegisterFile keys on.
func regName64(r x86asm.Reg) string {
	name := strings.ToLower(r.String())
	sub := map[string]string{
		"al": "rax", "ax": "rax", "eax": "rax",
		"cl": "rcx", "cx": "rcx", "ecx": "rcx",
		"dl": "rdx", "dx": "rdx", "edx": "rdx",
		"bl": "rbx", "bx": "rbx", "ebx": "rbx",
		"spl": "rsp", "sp": "rsp", "esp": "rsp",
		"bpl": "rbp", "bp": "rbp", "ebp": "rbp",
		"sil": "rsi", "si": "rsi", "esi": "rsi",
		"dil": "rdi", "di": "rdi", "edi": "rdi",
	}
	if full, ok := sub[name]; ok {
		return full
	}
	if strings.HasPrefix(name, "r") {
		// r8, r8d, r8w, r8b -> r8
		trimmed := strings.TrimRight(name, "dwb")
		return trimmed
	}
	return name
}

func regBits(r x86asm.Reg) uint {
	name := strings.ToLower(r.String())
	switch {
	case strings.HasSuffix(name, "l") || strings.HasSuffix(name, "b"):
		return 8
	case strings.HasSuffix(name, "x") && len(name) == 2:
		return 16
	case strings.HasSuffix(name, "w"):
		return 16
	case strings.HasSuffix(name, "d") || strings.HasPrefix(name, "e"):
		return 32
	default:
		return 64
	}
}

// memAddrAST builds the LEA-style address expression for an x86asm.Mem
// operand: base + index*scale + disp. Base/index contribute their current
// symbolic AST; this is what the tracer pattern-matches against the
// vsp/vip/vregs/memory alias set (spec.md §4.2).
func (e *Engine) memAddrAST(m x86asm.Mem) *Expr {
	var addr *Expr
	if m.Base != 0 {
		addr = e.Regs.AST(regName64(m.Base))
	} else {
		addr = NewConst(0, 64)
	}
	if m.Index != 0 && m.Scale != 0 {
		idx := e.Regs.AST(regName64(m.Index))
		scaled := Mul(idx, NewConst(uint64(m.Scale), 64))
		addr = Add(addr, scaled)
	}
	if m.Disp != 0 {
		addr = Add(addr, NewConst(uint64(m.Disp), 64))
	}
	return addr
}

// operandAST returns the symbolic value of a source operand.
func (e *Engine) operandAST(arg x86asm.Arg, bits uint) *Expr {
	switch v := arg.(type) {
	case x86asm.Reg:
		return Extract(e.Regs.AST(regName64(v)), bits-1, 0)
	case x86asm.Imm:
		return NewConst(uint64(v), bits)
	case x86asm.Mem:
		// A bare memory operand as a *value* (load) is resolved by the
		// caller (interpret), which distinguishes load vs. LEA; here we
		// just expose the address, matching LEA semantics.
		return e.memAddrAST(v)
	default:
		return NewConst(0, bits)
	}
}

func argBits(arg x86asm.Arg) uint {
	if r, ok := arg.(x86asm.Reg); ok {
		return regBits(r)
	}
	return 64
}

// interpret executes one decoded instruction against the engine's
// RegisterFile and returns the resulting StepResult plus the nominal
// destination's bit-width/name for NativeInsn bookkeeping.
//
// Only the mnemonics spec.md §4.2 needs for handler classification are
// modeled: mov, lea, arithmetic/bitwise ops, shifts/rotates, push/pop,
// cmp/test, jmp/jcc, ret, popfq/popfd. Anything else is treated as a
// concrete no-op on symbolic state (its native effect, if any, does not
// feed a pattern the tracer inspects).
func (e *Engine) interpret(inst x86asm.Inst) (*StepResult, uint, string) {
	op := strings.ToLower(inst.Op.String())
	args := inst.Args

	switch op {
	case "mov", "movzx", "movsx", "movsxd":
		return e.interpretMov(op, args)
	case "lea":
		dst := args[0].(x86asm.Reg)
		bits := regBits(dst)
		mem := args[1].(x86asm.Mem)
		addr := e.memAddrAST(mem)
		e.Regs.SetSymbolic(regName64(dst), ZExt(addr, 64))
		return &StepResult{RegWritten: regName64(dst), RegAST: addr}, bits, regName64(dst)

	case "add", "sub", "and", "or", "xor":
		return e.interpretBinArith(op, args)

	case "not":
		dst := args[0].(x86asm.Reg)
		bits := regBits(dst)
		cur := Extract(e.Regs.AST(regName64(dst)), bits-1, 0)
		res := Not(cur)
		e.Regs.SetSymbolic(regName64(dst), ZExt(res, 64))
		return &StepResult{RegWritten: regName64(dst), RegAST: res}, bits, regName64(dst)

	case "neg":
		dst := args[0].(x86asm.Reg)
		bits := regBits(dst)
		cur := Extract(e.Regs.AST(regName64(dst)), bits-1, 0)
		res := Neg(cur)
		e.Regs.SetSymbolic(regName64(dst), ZExt(res, 64))
		return &StepResult{RegWritten: regName64(dst), RegAST: res}, bits, regName64(dst)

	case "shl", "sal", "shr", "sar", "ror", "rol":
		return e.interpretShift(op, args)

	case "push":
		return e.interpretPush(args)
	case "pop":
		return e.interpretPop(args)

	case "cmp", "test":
		// Flags-only; no register/memory write the tracer's store/load
		// classifier inspects.
		return &StepResult{}, 0, ""

	case "ret", "retn":
		return &StepResult{IsRet: true}, 0, ""

	case "popfq", "popfd":
		sp := regName64(x86asm.RSP)
		spVal := e.Regs.AST(sp)
		e.Regs.SetSymbolic(sp, Add(spVal, NewConst(8, 64)))
		return &StepResult{IsPopReg: true, PoppedReg: "eflags"}, 0, ""

	case "jmp":
		return e.interpretJmp(args, inst.Len)
	default:
		if strings.HasPrefix(op, "j") {
			return e.interpretJmp(args, inst.Len)
		}
		return &StepResult{}, 0, ""
	}
}

func (e *Engine) interpretMov(op string, args x86asm.Args) (*StepResult, uint, string) {
	dst := args[0]
	src := args[1]

	if mem, ok := dst.(x86asm.Mem); ok {
		// Memory write: [<mem-lea>] <- <reg-ast> (spec.md §4.2).
		addr := e.memAddrAST(mem)
		var valBits uint = 64
		var val *Expr
		if r, ok := src.(x86asm.Reg); ok {
			valBits = regBits(r)
			val = Extract(e.Regs.AST(regName64(r)), valBits-1, 0)
		} else if imm, ok := src.(x86asm.Imm); ok {
			val = NewConst(uint64(imm), valBits)
		}
		return &StepResult{MemWrite: true, MemAddrAST: addr, MemValueAST: val, MemBits: valBits}, valBits, "[mem]"
	}

	reg := dst.(x86asm.Reg)
	bits := regBits(reg)
	var val *Expr
	switch s := src.(type) {
	case x86asm.Reg:
		srcBits := regBits(s)
		raw := Extract(e.Regs.AST(regName64(s)), srcBits-1, 0)
		if op == "movzx" {
			val = ZExt(raw, bits)
		} else if op == "movsx" || op == "movsxd" {
			val = SExt(raw, bits)
		} else {
			val = raw
		}
	case x86asm.Imm:
		val = NewConst(uint64(s), bits)
	case x86asm.Mem:
		// Memory read: reg <- [<mem-lea>] (spec.md §4.2). The caller
		// (tracer) mints the alias-tagged symbol for the destination
		// based on the address's own alias set; here we just record the
		// address so the tracer can classify it.
		addr := e.memAddrAST(s)
		val = addr // placeholder; tracer re-mints with alias info.
		e.Regs.SetSymbolic(regName64(reg), ZExt(val, 64))
		return &StepResult{RegWritten: regName64(reg), RegAST: val, MemAddrAST: addr}, bits, regName64(reg)
	}
	e.Regs.SetSymbolic(regName64(reg), ZExt(val, 64))
	return &StepResult{RegWritten: regName64(reg), RegAST: val}, bits, regName64(reg)
}

func (e *Engine) interpretBinArith(op string, args x86asm.Args) (*StepResult, uint, string) {
	dst := args[0].(x86asm.Reg)
	bits := regBits(dst)
	a := Extract(e.Regs.AST(regName64(dst)), bits-1, 0)
	var b *Expr
	switch s := args[1].(type) {
	case x86asm.Reg:
		b = Extract(e.Regs.AST(regName64(s)), bits-1, 0)
	case x86asm.Imm:
		b = NewConst(uint64(s), bits)
	case x86asm.Mem:
		b = e.memAddrAST(s)
	}
	var res *Expr
	switch op {
	case "add":
		res = Add(a, b)
	case "sub":
		res = Sub(a, b)
	case "and":
		res = And(a, b)
	case "or":
		res = Or(a, b)
	case "xor":
		res = Xor(a, b)
	}
	e.Regs.SetSymbolic(regName64(dst), ZExt(res, 64))
	return &StepResult{RegWritten: regName64(dst), RegAST: res}, bits, regName64(dst)
}

func (e *Engine) interpretShift(op string, args x86asm.Args) (*StepResult, uint, string) {
	dst := args[0].(x86asm.Reg)
	bits := regBits(dst)
	a := Extract(e.Regs.AST(regName64(dst)), bits-1, 0)
	var amt *Expr
	switch s := args[1].(type) {
	case x86asm.Reg:
		amt = Extract(e.Regs.AST(regName64(s)), 7, 0)
	case x86asm.Imm:
		amt = NewConst(uint64(s), 8)
	default:
		amt = NewConst(1, 8)
	}
	var res *Expr
	switch op {
	case "shl", "sal":
		res = Shl(a, amt)
	case "shr":
		res = Lshr(a, amt)
	case "sar":
		res = Ashr(a, amt)
	case "ror":
		res = Ror(a, amt)
	case "rol":
		res = Rol(a, amt)
	}
	e.Regs.SetSymbolic(regName64(dst), ZExt(res, 64))
	return &StepResult{RegWritten: regName64(dst), RegAST: res}, bits, regName64(dst)
}

func (e *Engine) interpretPush(args x86asm.Args) (*StepResult, uint, string) {
	sp := regName64(x86asm.RSP)
	var bits uint = 64
	var val *Expr
	switch s := args[0].(type) {
	case x86asm.Reg:
		bits = regBits(s)
		val = Extract(e.Regs.AST(regName64(s)), bits-1, 0)
	case x86asm.Imm:
		val = NewConst(uint64(s), bits)
	}
	spVal := e.Regs.AST(sp)
	newSP := Sub(spVal, NewConst(uint64(bits/8), 64))
	e.Regs.SetSymbolic(sp, newSP)
	return &StepResult{MemWrite: true, MemAddrAST: newSP, MemValueAST: val, MemBits: bits}, bits, "[mem]"
}

func (e *Engine) interpretPop(args x86asm.Args) (*StepResult, uint, string) {
	sp := regName64(x86asm.RSP)
	reg := args[0].(x86asm.Reg)
	bits := regBits(reg)
	spVal := e.Regs.AST(sp)
	newSP := Add(spVal, NewConst(uint64(bits/8), 64))
	e.Regs.SetSymbolic(sp, newSP)
	// The popped value's AST is derived by the caller from memory context
	// (the tracer tags it via its own alias recognition); here we stash
	// the pre-pop stack address for that purpose.
	e.Regs.SetSymbolic(regName64(reg), ZExt(spVal, 64))
	return &StepResult{IsPopReg: true, PoppedReg: regName64(reg), RegAST: spVal}, bits, regName64(reg)
}

func (e *Engine) interpretJmp(args x86asm.Args, instLen int) (*StepResult, uint, string) {
	switch t := args[0].(type) {
	case x86asm.Reg:
		return &StepResult{RegWritten: "rip", RegAST: e.Regs.AST(regName64(t))}, 64, "rip"
	case x86asm.Mem:
		addr := e.memAddrAST(t)
		return &StepResult{RegWritten: "rip", RegAST: addr, MemAddrAST: addr}, 64, "rip"
	case x86asm.Rel:
		target := uint64(int64(e.concreteRIP) + int64(instLen) + int64(t))
		return &StepResult{RegWritten: "rip", RegAST: NewConst(target, 64)}, 64, "rip"
	}
	return &StepResult{}, 0, ""
}
