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

//go:build amd64

package tracee

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/riftzyg/zlb/pkg/arch"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

// stackArgBias is the distance from the entry-state sp to the first
// spilled argument: one slot for the return address the call pushed.
const stackArgBias = 8

// Regs reads the target's registers via PTRACE_GETREGS.
func (t *Tracee) Regs() (arch.Registers, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return nil, fmt.Errorf("%w: getregs %d: %v", zlberr.ErrRemotePtraceFailed, t.pid, err)
	}
	return arch.New(regs), nil
}

// SetRegs writes the target's registers via PTRACE_SETREGS.
func (t *Tracee) SetRegs(regs arch.Registers) error {
	raw := regs.Raw().(*unix.PtraceRegs)
	if err := unix.PtraceSetRegs(t.pid, raw); err != nil {
		return fmt.Errorf("%w: setregs %d: %v", zlberr.ErrRemotePtraceFailed, t.pid, err)
	}
	return nil
}

// correctEntryState rolls back the callee prologue instruction the uprobe
// single-stepped before the stop: the probed `push %rbp` moved sp down a
// slot and advanced pc one byte past the 1-byte opcode. After the
// rollback, regs describe the function-entry frame (*sp is the caller's
// return address).
func correctEntryState(t *Tracee, regs arch.Registers) error {
	regs.SetPC(regs.PC() - 1)
	regs.SetSP(regs.SP() + 8)
	return nil
}

// correctPAC is an AArch64-only adjustment; nothing to do here.
func correctPAC(t *Tracee, regs arch.Registers) error { return nil }

// setCallReturnAddr arms the fault return for a remote call: push the
// sentinel as the return address the called function will pop.
func setCallReturnAddr(t *Tracee, regs arch.Registers, returnAddr uint64) error {
	regs.SetSP(regs.SP() - 8)
	return t.PokeWord(regs.SP(), returnAddr)
}

// setReturnSlot redirects the probed function's eventual return, given
// entry-state registers: overwrite the return-address slot at *sp.
func setReturnSlot(t *Tracee, regs arch.Registers, addr uint64) error {
	return t.PokeWord(regs.SP(), addr)
}
