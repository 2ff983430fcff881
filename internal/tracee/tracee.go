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

// Package tracee is the per-child remote-execution engine: it attaches to
// a stopped zygote child, reads and writes its registers and memory,
// allocates on its stack, calls functions inside it with the native
// calling convention, and finally arms the bridge hand-off before
// detaching. One Tracee is owned exclusively by one injection task; no
// Tracee method is safe for concurrent use.
package tracee

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/riftzyg/zlb/pkg/arch"
	"github.com/riftzyg/zlb/pkg/log"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

// Tracee wraps one traced child. Construct with Attach; release with
// Detach (which implicitly resumes the child).
type Tracee struct {
	pid int

	// attachRegs is the register snapshot taken immediately after the
	// attach handshake. Failed injections restore it verbatim so the
	// child resumes in exactly the state the kernel handed us.
	attachRegs arch.Registers

	// sentinel is the default remote-call return address: the base of the
	// target's libc.so mapping, which is guaranteed not to be mapped for
	// execution at that exact address and so faults reliably. Zero until
	// the maps snapshot has been taken.
	sentinel uint64
}

// Attach seizes pid and walks it from the kernel-initiated SIGSTOP into a
// clean ptrace stop: wait for the group-stop that transported the child
// into our care, send one SIGCONT to consume it, then wait for the next
// deliberate stop. Returns with the attach-time register snapshot taken.
func Attach(pid int) (*Tracee, error) {
	t := &Tracee{pid: pid}

	if err := t.ptrace(unix.PTRACE_SEIZE, 0, 0); err != nil {
		if err == unix.ESRCH {
			// The child died between the kernel event and this attach;
			// nothing to inject into.
			return nil, &zlberr.Transient{Op: "seize", Err: err}
		}
		return nil, fmt.Errorf("%w: seize %d: %v", zlberr.ErrRemotePtraceFailed, pid, err)
	}

	if err := t.waitStopped(); err != nil {
		t.Detach()
		return nil, err
	}
	if err := unix.Kill(pid, unix.SIGCONT); err != nil && err != unix.ESRCH {
		t.Detach()
		return nil, fmt.Errorf("%w: SIGCONT(%d): %v", zlberr.ErrRemotePtraceFailed, pid, err)
	}
	if err := t.waitStopped(); err != nil {
		t.Detach()
		return nil, err
	}

	regs, err := t.Regs()
	if err != nil {
		t.Detach()
		return nil, err
	}
	t.attachRegs = regs
	return t, nil
}

// PID returns the traced child's PID.
func (t *Tracee) PID() int { return t.pid }

// AttachRegs is the register snapshot taken at attach time.
func (t *Tracee) AttachRegs() arch.Registers { return t.attachRegs }

// Detach releases the child; an untraced process continues executing, so
// this is also the resume point of the injection protocol. ESRCH (the
// child died underneath us) is tolerated.
func (t *Tracee) Detach() {
	if err := t.ptrace(unix.PTRACE_DETACH, 0, 0); err != nil && err != unix.ESRCH {
		log.Warningf("tracee: detach %d: %v", t.pid, err)
	}
}

// RestoreAttachState writes the attach-time register snapshot back, used
// on every failure path after attach.
func (t *Tracee) RestoreAttachState() error {
	return t.SetRegs(t.attachRegs)
}

func (t *Tracee) ptrace(req int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(t.pid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// waitStopped waits until the child reports a stop, retrying transient
// EINTR and tolerating SIGCONT stops along the way.
func (t *Tracee) waitStopped() error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(t.pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: wait %d: %v", zlberr.ErrRemotePtraceFailed, t.pid, err)
		}
		if ws.Exited() || ws.Signaled() {
			return fmt.Errorf("%w: process %d exited while attaching", zlberr.ErrRemotePtraceFailed, t.pid)
		}
		if ws.Stopped() {
			if ws.StopSignal() == unix.SIGCONT {
				continue
			}
			return nil
		}
	}
}

// waitForFault resumes nothing; it waits for the SIGSEGV stop that marks
// a remote call returning into the fault sentinel. Any other stop is a
// protocol error.
func (t *Tracee) waitForFault() error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(t.pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: wait %d: %v", zlberr.ErrRemotePtraceFailed, t.pid, err)
		}
		if ws.Exited() || ws.Signaled() {
			return fmt.Errorf("%w: process %d died during remote call", zlberr.ErrRemotePtraceFailed, t.pid)
		}
		if ws.Stopped() {
			if ws.StopSignal() == unix.SIGSEGV {
				return nil
			}
			return fmt.Errorf("%w: process %d stopped unexpectedly on %v during remote call",
				zlberr.ErrRemotePtraceFailed, t.pid, ws.StopSignal())
		}
	}
}

// PeekWord reads one 64-bit word from the target.
func (t *Tracee) PeekWord(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := unix.PtracePeekData(t.pid, uintptr(addr), buf[:]); err != nil {
		return 0, fmt.Errorf("%w: peek %d@0x%x: %v", zlberr.ErrRemotePtraceFailed, t.pid, addr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PokeWord writes one 64-bit word into the target.
func (t *Tracee) PokeWord(addr, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := unix.PtracePokeData(t.pid, uintptr(addr), buf[:]); err != nil {
		return fmt.Errorf("%w: poke %d@0x%x: %v", zlberr.ErrRemotePtraceFailed, t.pid, addr, err)
	}
	return nil
}

// WriteMem bulk-writes data into the target via process_vm_writev.
func (t *Tracee) WriteMem(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	local := unix.Iovec{Base: &data[0]}
	local.SetLen(len(data))
	remote := unix.RemoteIovec{Base: uintptr(addr), Len: len(data)}
	n, err := unix.ProcessVMWritev(t.pid, []unix.Iovec{local}, []unix.RemoteIovec{remote}, 0)
	if err != nil {
		return fmt.Errorf("%w: process_vm_writev %d@0x%x: %v", zlberr.ErrRemotePtraceFailed, t.pid, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write to %d@0x%x: %d of %d", zlberr.ErrRemotePtraceFailed, t.pid, addr, n, len(data))
	}
	return nil
}

// AllocOnStack pushes data onto the target stack described by regs:
// decrement sp by len(data), align down to 8, bulk-write, update regs'
// sp. There is no free; the allocation dies when the register snapshot
// that produced it is discarded.
func (t *Tracee) AllocOnStack(regs arch.Registers, data []byte) (uint64, error) {
	backup := regs.SP()
	sp := (backup - uint64(len(data))) &^ 0x7
	if err := t.WriteMem(sp, data); err != nil {
		regs.SetSP(backup)
		return 0, err
	}
	regs.SetSP(sp)
	return sp, nil
}

// Call invokes funcAddr inside the target with args, using base as the
// register state to build the call frame from (nil means the target's
// current registers). The return address is wired so the target faults
// with SIGSEGV the instant the function returns; the fault PC is checked
// against the expected sentinel, the return value captured, and the
// target's registers restored to base.
//
// Arguments beyond the register-argument limit are spilled to the target
// stack per the native convention.
func (t *Tracee) Call(base arch.Registers, funcAddr uint64, args []uint64) (uint64, error) {
	return t.CallWithReturn(base, funcAddr, args, t.sentinel)
}

// CallWithReturn is Call with an explicit fault-sentinel return address.
func (t *Tracee) CallWithReturn(base arch.Registers, funcAddr uint64, args []uint64, returnAddr uint64) (uint64, error) {
	if returnAddr == 0 {
		returnAddr = fallbackSentinel
	}

	if base == nil {
		cur, err := t.Regs()
		if err != nil {
			return 0, err
		}
		base = cur
	}
	regs := base.Clone()

	maxReg := arch.Host.MaxRegisterArgs()
	regArgs := args
	var stackArgs []uint64
	if len(args) > maxReg {
		regArgs, stackArgs = args[:maxReg], args[maxReg:]
	}

	// Reserve the spill area, then align to the ABI's 16-byte call
	// boundary, then place the spilled arguments at the final sp so the
	// callee sees them at its expected frame offsets.
	sp := regs.SP() - 8*uint64(len(stackArgs))
	sp &^= 0xF
	if len(stackArgs) > 0 {
		buf := make([]byte, 8*len(stackArgs))
		for i, v := range stackArgs {
			binary.LittleEndian.PutUint64(buf[i*8:], v)
		}
		if err := t.WriteMem(sp, buf); err != nil {
			return 0, err
		}
	}
	regs.SetSP(sp)
	regs.SetPC(funcAddr)
	regs.SetArgs(regArgs)

	if err := setCallReturnAddr(t, regs, returnAddr); err != nil {
		return 0, err
	}

	if err := t.SetRegs(regs); err != nil {
		return 0, err
	}
	if err := t.ptrace(unix.PTRACE_CONT, 0, 0); err != nil {
		return 0, fmt.Errorf("%w: cont %d: %v", zlberr.ErrRemotePtraceFailed, t.pid, err)
	}
	if err := t.waitForFault(); err != nil {
		return 0, err
	}

	after, err := t.Regs()
	if err != nil {
		return 0, err
	}
	if after.PC() != returnAddr {
		// Restore before reporting; the caller's failure path depends on
		// a stable register state.
		if rerr := t.SetRegs(base); rerr != nil {
			log.Warningf("tracee: restore regs after wrong return in %d: %v", t.pid, rerr)
		}
		return 0, &zlberr.RemoteCallFailed{ExpectedReturn: returnAddr, ObservedPC: after.PC()}
	}
	ret := after.ReturnValue()

	if err := t.SetRegs(base); err != nil {
		return 0, err
	}
	return ret, nil
}

// fallbackSentinel is used as a remote-call return address before the
// libc.so base is known. It sits far outside any plausible mapping.
const fallbackSentinel = 0xcafecafe

// SetCallSentinel installs the default remote-call fault address,
// normally the base of the target's libc.so mapping.
func (t *Tracee) SetCallSentinel(addr uint64) { t.sentinel = addr }

// UprobeArg reads the n-th argument of the probed function from the
// entry-state registers regs: register-resident arguments from the
// convention registers, the rest from their stack spill slots.
func (t *Tracee) UprobeArg(regs arch.Registers, n int) (uint64, error) {
	if n < arch.Host.MaxRegisterArgs() {
		return regs.Arg(n), nil
	}
	return t.PeekWord(stackArgAddr(regs, n))
}

// SetUprobeArg writes the n-th argument of the probed function:
// register-resident arguments into regs (committed by the caller's final
// SetRegs), the rest directly into their stack slots.
func (t *Tracee) SetUprobeArg(regs arch.Registers, n int, value uint64) error {
	if n < arch.Host.MaxRegisterArgs() {
		setArg(regs, n, value)
		return nil
	}
	return t.PokeWord(stackArgAddr(regs, n), value)
}

// setArg overwrites a single register argument, keeping the others.
func setArg(regs arch.Registers, n int, value uint64) {
	args := make([]uint64, n+1)
	for i := 0; i <= n; i++ {
		args[i] = regs.Arg(i)
	}
	args[n] = value
	regs.SetArgs(args)
}

// stackArgAddr is the address of the n-th argument's stack spill slot,
// given entry-state registers (sp as it was at function entry).
func stackArgAddr(regs arch.Registers, n int) uint64 {
	spill := n - arch.Host.MaxRegisterArgs()
	return regs.SP() + stackArgBias + 8*uint64(spill)
}
