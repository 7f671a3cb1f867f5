package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ec1-systems/microvmd/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates a register or addressing mode Pointer does not
// know how to resolve.
var ErrBadRegister = errors.New("bad register")

// ErrTooManyArgs indicates more args were requested than the calling
// convention Args implements can supply.
var ErrTooManyArgs = errors.New("too many args requested")

// Args returns the first nargs integer/pointer arguments of a function
// call at cpu's current RIP, per the Microsoft x64 calling convention:
// RCX, RDX, R8, R9, then the 5th and 6th args from the stack at RSP+0x28
// and RSP+0x30. nargs must be between 1 and 6.
func (m *Machine) Args(cpu int, r *kvm.Regs, nargs int) ([]uintptr, error) {
	if _, err := m.CPUToFD(cpu); err != nil {
		return nil, err
	}

	if nargs < 1 || nargs > 6 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyArgs, nargs)
	}

	all := []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9)}

	sp := uintptr(r.RSP)

	if nargs > 4 {
		w1, err := m.ReadWord(cpu, sp+0x28)
		if err != nil {
			return nil, err
		}

		all = append(all, uintptr(w1))
	}

	if nargs > 5 {
		w2, err := m.ReadWord(cpu, sp+0x30)
		if err != nil {
			return nil, err
		}

		all = append(all, uintptr(w2))
	}

	return all[:nargs], nil
}

// Pointer resolves a memory operand of a decoded instruction to the
// address it references. Since guests booted by this package run with
// paging disabled, guest-virtual and guest-physical addresses coincide.
func (m *Machine) Pointer(inst *x86asm.Inst, r *kvm.Regs, arg int) (uintptr, error) {
	if arg < 0 || arg >= len(inst.Args) {
		return 0, fmt.Errorf("%w: arg index %d out of range", ErrBadRegister, arg)
	}

	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("%w: arg %d (%v) is not a memory operand", ErrBadRegister, arg, inst.Args[arg])
	}

	b, err := getReg(r, mem.Base)
	if err != nil {
		return 0, fmt.Errorf("base reg %v in %v: %w", mem.Base, mem, err)
	}

	addr := b + uint64(mem.Disp)

	if x, err := getReg(r, mem.Index); err == nil {
		addr += uint64(mem.Scale) * x
	}

	return uintptr(addr), nil
}

// getReg returns the value of one of the general-purpose registers x86asm
// decodes memory operands in terms of. Reg(0) means "no register".
func getReg(r *kvm.Regs, reg x86asm.Reg) (uint64, error) {
	switch reg {
	case 0:
		return 0, ErrBadRegister
	case x86asm.RAX:
		return r.RAX, nil
	case x86asm.RBX:
		return r.RBX, nil
	case x86asm.RCX:
		return r.RCX, nil
	case x86asm.RDX:
		return r.RDX, nil
	case x86asm.RSI:
		return r.RSI, nil
	case x86asm.RDI:
		return r.RDI, nil
	case x86asm.RSP:
		return r.RSP, nil
	case x86asm.RBP:
		return r.RBP, nil
	case x86asm.R8:
		return r.R8, nil
	case x86asm.R9:
		return r.R9, nil
	case x86asm.R10:
		return r.R10, nil
	case x86asm.R11:
		return r.R11, nil
	case x86asm.R12:
		return r.R12, nil
	case x86asm.R13:
		return r.R13, nil
	case x86asm.R14:
		return r.R14, nil
	case x86asm.R15:
		return r.R15, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrBadRegister, reg)
	}
}

// Pop pops the top of cpu's stack, most often used to recover a caller's
// return address.
func (m *Machine) Pop(cpu int, r *kvm.Regs) (uint64, error) {
	if _, err := m.CPUToFD(cpu); err != nil {
		return 0, err
	}

	tos, err := m.ReadWord(cpu, uintptr(r.RSP))
	if err != nil {
		return 0, err
	}

	r.RSP += 8

	return tos, nil
}

// Inst decodes the instruction at cpu's current RIP, returning the decoded
// form, the register snapshot it was decoded against, and its GNU-syntax
// disassembly.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst: GetRegs: %w", err)
	}

	pc := uintptr(r.RIP)

	insn := make([]byte, 16)
	if _, err := m.ReadBytes(cpu, insn, pc); err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// Asm renders a decoded instruction as GNU-syntax assembly.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// CallInfo formats a one-line summary of a decoded call instruction and the
// register state it was made with, for trace logging.
func CallInfo(inst *x86asm.Inst, r *kvm.Regs) string {
	l := fmt.Sprintf("rip=%#x rsp=%#x [", r.RIP, r.RSP)

	for _, a := range inst.Args {
		if a == nil {
			continue
		}

		l += fmt.Sprintf("%v,", a)
	}

	l += fmt.Sprintf("] (%#x, %#x, %#x, %#x)", r.RCX, r.RDX, r.R8, r.R9)

	return l
}

// WriteWord writes word into cpu's address space at vaddr. Guests run
// without paging, so vaddr is used directly as a guest-physical offset.
func (m *Machine) WriteWord(cpu int, vaddr uintptr, word uint64) error {
	if _, err := m.CPUToFD(cpu); err != nil {
		return err
	}

	if int(vaddr)+8 > len(m.mem) {
		return fmt.Errorf("WriteWord: address %#x out of range", vaddr)
	}

	binary.LittleEndian.PutUint64(m.mem[vaddr:vaddr+8], word)

	return nil
}

// ReadBytes copies len(b) bytes from cpu's address space starting at vaddr.
func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uintptr) (int, error) {
	if _, err := m.CPUToFD(cpu); err != nil {
		return 0, err
	}

	if int(vaddr)+len(b) > len(m.mem) {
		return 0, fmt.Errorf("ReadBytes: address %#x out of range", vaddr)
	}

	return copy(b, m.mem[vaddr:vaddr+uintptr(len(b))]), nil
}

// ReadWord reads one 8-byte word from cpu's address space at vaddr.
func (m *Machine) ReadWord(cpu int, vaddr uintptr) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(cpu, b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
