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

package arch

import "golang.org/x/sys/unix"

// ARM64Registers wraps unix.PtraceRegs for the AAPCS64 calling convention:
// arguments 0-7 live in x0..x7, and the link register x30 carries the
// return address instead of a stack slot.
type ARM64Registers struct {
	Regs unix.PtraceRegs
}

var _ Registers = (*ARM64Registers)(nil)

// NewARM64Registers wraps an already-populated unix.PtraceRegs.
func NewARM64Registers(regs unix.PtraceRegs) *ARM64Registers {
	return &ARM64Registers{Regs: regs}
}

func (r *ARM64Registers) Arg(n int) uint64 {
	if n < 0 || n > 7 {
		panic("arch: arm64 register argument index out of range")
	}
	return r.Regs.Regs[n]
}

func (r *ARM64Registers) SetArgs(args []uint64) {
	if len(args) > 8 {
		panic("arch: too many arm64 register arguments")
	}
	copy(r.Regs.Regs[:len(args)], args)
}

func (r *ARM64Registers) ReturnValue() uint64 { return r.Regs.Regs[0] }

func (r *ARM64Registers) SP() uint64     { return r.Regs.Sp }
func (r *ARM64Registers) SetSP(v uint64) { r.Regs.Sp = v }
func (r *ARM64Registers) PC() uint64     { return r.Regs.Pc }
func (r *ARM64Registers) SetPC(v uint64) { r.Regs.Pc = v }

func (r *ARM64Registers) LinkRegister() uint64     { return r.Regs.Regs[30] }
func (r *ARM64Registers) SetLinkRegister(v uint64) { r.Regs.Regs[30] = v }

func (r *ARM64Registers) Raw() any { return &r.Regs }

func (r *ARM64Registers) Clone() Registers {
	cp := *r
	return &cp
}

// Host is the architecture of the build this binary targets.
const Host = ARM64

// New wraps a raw ptrace register set for the host architecture.
func New(regs unix.PtraceRegs) Registers { return NewARM64Registers(regs) }
