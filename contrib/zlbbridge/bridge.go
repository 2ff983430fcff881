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

// zlbbridge is the reference bridge: the contract side of the injection
// protocol, built as a shared object the daemon loads into each zygote
// child. It exports the three well-known writable globals and the
// constructor that populates them, plus the per-architecture trampoline
// that preserves the original return path around the post-specialize
// hook. Real module frameworks replace the Go hook bodies; everything
// in the C preamble is ABI and must not change.
//
// Build:
//
//	CGO_ENABLED=1 go build -buildmode=c-shared -o bridge.so ./contrib/zlbbridge
//
// Setting ZLB_NOLOAD in the environment makes the constructor return
// immediately; build tooling uses this to link-check the object without
// arming it.
package main

/*
#include <stdint.h>
#include <stdlib.h>

// The loader resolves these three globals by name after dlopen and
// pokes ZLB_RETURN_ADDRESS with the specialization function's original
// return address. They must be writable data symbols, not functions.
uintptr_t ZLB_CALLBACK_PRE;
uintptr_t ZLB_TRAMPOLINE;
uintptr_t ZLB_RETURN_ADDRESS;

extern void zlbPreSpecialize(uint64_t *args, uint64_t len);
extern void zlbPostSpecialize();

static void zlb_callback_pre(uint64_t *args, uint64_t len) {
	zlbPreSpecialize(args, len);
}

void zlb_post_hook() {
	zlbPostSpecialize();
}

// The trampoline runs with no prologue: the child "returns" into it
// from the specialization function. It must load the saved original
// return address, park it across the post-specialize call with the
// stack kept 16-byte aligned, and jump to it so the caller's frame
// never notices the detour.

#if defined(__x86_64__)
__asm__(
	".text\n"
	"zlb_trampoline:\n"
	"	movq ZLB_RETURN_ADDRESS(%rip), %rax\n"
	"	pushq %rax\n"
	"	pushq $0\n"
	"	call zlb_post_hook\n"
	"	popq %rax\n"
	"	popq %rax\n"
	"	jmp *%rax\n"
);
#elif defined(__aarch64__)
__asm__(
	".text\n"
	"zlb_trampoline:\n"
	"	adrp x30, ZLB_RETURN_ADDRESS\n"
	"	ldr x30, [x30, :lo12:ZLB_RETURN_ADDRESS]\n"
	"	stp x30, xzr, [sp, #-0x10]!\n"
	"	bl zlb_post_hook\n"
	"	ldp x30, xzr, [sp], #0x10\n"
	"	ret\n"
);
#else
#error "unsupported architecture"
#endif

extern void zlb_trampoline();

__attribute__((constructor)) static void zlb_ctor() {
	if (getenv("ZLB_NOLOAD")) {
		return;
	}
	ZLB_CALLBACK_PRE = (uintptr_t)&zlb_callback_pre;
	ZLB_TRAMPOLINE = (uintptr_t)&zlb_trampoline;
}
*/
import "C"

import "unsafe"

// PreSpecialize and PostSpecialize are the replaceable hook bodies. The
// reference implementation only observes.
var (
	PreSpecialize  = func(args []uint64) {}
	PostSpecialize = func() {}
)

//export zlbPreSpecialize
func zlbPreSpecialize(args *C.uint64_t, length C.uint64_t) {
	// The slot array stays owned by the loader's stack staging; the
	// hook may mutate it in place and the loader writes changed slots
	// back into the live argument locations.
	view := unsafe.Slice((*uint64)(unsafe.Pointer(args)), int(length))
	PreSpecialize(view)
}

//export zlbPostSpecialize
func zlbPostSpecialize() {
	PostSpecialize()
}

func main() {}
