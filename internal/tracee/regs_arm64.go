// Copyright 2024 The zlb Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build arm64

package tracee

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/riftzyg/zlb/pkg/arch"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

// stackArgBias is the distance from the entry-state sp to the first
// spilled argument. AAPCS64 places spilled arguments at the caller's sp,
// which is the callee's sp at entry.
const stackArgBias = 0

// paciasp is the instruction encoding of `paciasp` (sign lr with sp).
const paciasp = 0xd503233f

const ntPrstatus = 1 // NT_PRSTATUS

// Regs reads the target's registers via PTRACE_GETREGSET(NT_PRSTATUS);
// AArch64 kernels do not implement the legacy PTRACE_GETREGS request.
func (t *Tracee) Regs() (arch.Registers, error) {
	var regs unix.PtraceRegs
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(&regs))}
	iov.SetLen(int(unsafe.Sizeof(regs)))
	if err := t.ptrace(unix.PTRACE_GETREGSET, ntPrstatus, uintptr(unsafe.Pointer(&iov))); err != nil {
		return nil, fmt.Errorf("%w: getregset %d: %v", zlberr.ErrRemotePtraceFailed, t.pid, err)
	}
	return arch.New(regs), nil
}

// SetRegs writes the target's registers via PTRACE_SETREGSET(NT_PRSTATUS).
func (t *Tracee) SetRegs(regs arch.Registers) error {
	raw := regs.Raw().(*unix.PtraceRegs)
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(raw))}
	iov.SetLen(int(unsafe.Sizeof(*raw)))
	if err := t.ptrace(unix.PTRACE_SETREGSET, ntPrstatus, uintptr(unsafe.Pointer(&iov))); err != nil {
		return fmt.Errorf("%w: setregset %d: %v", zlberr.ErrRemotePtraceFailed, t.pid, err)
	}
	return nil
}

// correctEntryState is an x86-64-only prologue rollback; on AArch64 the
// probed instruction does not disturb the frame (arguments and the link
// register are where the entry state left them).
func correctEntryState(t *Tracee, regs arch.Registers) error { return nil }

// correctPAC steps pc back over a single-stepped `paciasp` so the resume
// re-signs the link register after the return redirect has replaced it.
// Without this, the function's authenticating epilogue would fault on the
// unsigned trampoline address.
func correctPAC(t *Tracee, regs arch.Registers) error {
	insn, err := t.PeekWord(regs.PC() - 4)
	if err != nil {
		return err
	}
	if uint32(insn) == paciasp {
		regs.SetPC(regs.PC() - 4)
	}
	return nil
}

// setCallReturnAddr arms the fault return for a remote call: the link
// register carries the return address on AArch64.
func setCallReturnAddr(t *Tracee, regs arch.Registers, returnAddr uint64) error {
	regs.SetLinkRegister(returnAddr)
	return nil
}

// setReturnSlot redirects the probed function's eventual return, given
// entry-state registers: x30 still holds the caller's return address at
// entry.
func setReturnSlot(t *Tracee, regs arch.Registers, addr uint64) error {
	regs.SetLinkRegister(addr)
	return nil
}
