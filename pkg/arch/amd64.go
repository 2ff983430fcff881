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

package arch

import "golang.org/x/sys/unix"

// AMD64Registers wraps unix.PtraceRegs for the System V AMD64 calling
// convention: arguments 0-5 live in rdi, rsi, rdx, rcx, r8, r9.
type AMD64Registers struct {
	Regs unix.PtraceRegs
}

var _ Registers = (*AMD64Registers)(nil)

// NewAMD64Registers wraps an already-populated unix.PtraceRegs.
func NewAMD64Registers(regs unix.PtraceRegs) *AMD64Registers {
	return &AMD64Registers{Regs: regs}
}

func (r *AMD64Registers) Arg(n int) uint64 {
	switch n {
	case 0:
		return r.Regs.Rdi
	case 1:
		return r.Regs.Rsi
	case 2:
		return r.Regs.Rdx
	case 3:
		return r.Regs.Rcx
	case 4:
		return r.Regs.R8
	case 5:
		return r.Regs.R9
	default:
		panic("arch: amd64 register argument index out of range")
	}
}

func (r *AMD64Registers) SetArgs(args []uint64) {
	dst := []*uint64{&r.Regs.Rdi, &r.Regs.Rsi, &r.Regs.Rdx, &r.Regs.Rcx, &r.Regs.R8, &r.Regs.R9}
	if len(args) > len(dst) {
		panic("arch: too many amd64 register arguments")
	}
	for i, v := range args {
		*dst[i] = v
	}
}

func (r *AMD64Registers) ReturnValue() uint64 { return r.Regs.Rax }

func (r *AMD64Registers) SP() uint64      { return r.Regs.Rsp }
func (r *AMD64Registers) SetSP(v uint64)  { r.Regs.Rsp = v }
func (r *AMD64Registers) PC() uint64      { return r.Regs.Rip }
func (r *AMD64Registers) SetPC(v uint64)  { r.Regs.Rip = v }

// LinkRegister is a no-op on amd64: the return address lives on the stack,
// not in a dedicated register. Callers use the stack-push convention in
// internal/tracee's remote-call implementation instead.
func (r *AMD64Registers) LinkRegister() uint64     { return 0 }
func (r *AMD64Registers) SetLinkRegister(v uint64) {}

func (r *AMD64Registers) Raw() any { return &r.Regs }

func (r *AMD64Registers) Clone() Registers {
	cp := *r
	return &cp
}

// Host is the architecture of the build this binary targets.
const Host = AMD64

// New wraps a raw ptrace register set for the host architecture.
func New(regs unix.PtraceRegs) Registers { return NewAMD64Registers(regs) }
