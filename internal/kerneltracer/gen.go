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

package kerneltracer

// The BPF object is compiled out of tree and shipped alongside the
// daemon (cmd/zlbd's --tracer flag, default /data/adb/zlb/tracer.bpf.o).
// Per-architecture objects are built for the two supported targets.

//go:generate clang -O2 -g -target bpf -D__TARGET_ARCH_x86 -c ../../bpf/tracer.c -o ../../bpf/tracer.bpf.x86_64.o
//go:generate clang -O2 -g -target bpf -D__TARGET_ARCH_arm64 -c ../../bpf/tracer.c -o ../../bpf/tracer.bpf.aarch64.o
