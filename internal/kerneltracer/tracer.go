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

// Package kerneltracer loads the eBPF program set in bpf/tracer.c and
// attaches its five tracepoints plus the per-child SpecializeCommon
// uprobe. The tracepoints are attached once for the daemon's lifetime;
// the uprobe is attached per forked child on demand and detached before
// injection (see internal/reactor).
package kerneltracer

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/riftzyg/zlb/pkg/log"
	"github.com/riftzyg/zlb/pkg/symbols"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

// DefaultRuntimeLib is the library holding the specialization function on
// 64-bit Android.
const DefaultRuntimeLib = "/system/lib64/libandroid_runtime.so"

// SpecializePrefix is the mangled prefix of the specialization function
// inside libandroid_runtime.so. The full name varies by SDK (trailing
// parameters were added over time), so resolution is by prefix and the
// matched name's arity is counted afterwards.
const SpecializePrefix = "_ZN12_GLOBAL__N_116SpecializeCommonE"

// Program and map names, as laid out in bpf/tracer.c.
const (
	progTaskRename  = "handle_task_rename"
	progTaskNewtask = "handle_task_newtask"
	progProcessExit = "handle_sched_process_exit"
	progSysEnter    = "handle_sys_enter"
	progSysExit     = "handle_sys_exit"
	progSpecialize  = "handle_specialize_common"
	mapEventChannel = "EVENT_CHANNEL"
	mapZygotePID    = "ZYGOTE_PID"
	mapChildState   = "CHILD_STATE"
)

// Options configures Load.
type Options struct {
	// ObjectPath is the compiled BPF object (bpf/tracer.c built with
	// clang -target bpf; see internal/kerneltracer/gen.go).
	ObjectPath string

	// RuntimeLib overrides DefaultRuntimeLib, for tests.
	RuntimeLib string
}

// Tracer owns the loaded eBPF collection, the five long-lived tracepoint
// links, and the resolved uprobe target.
type Tracer struct {
	coll   *ebpf.Collection
	points []link.Link
	exec   *link.Executable

	runtimeLib string
	symbolName string
	fileOffset uint64
	argsCount  int
}

// Load removes the locked-memory rlimit, loads the BPF object, resolves
// the SpecializeCommon uprobe target, and attaches the five tracepoints.
// Any failure here is unrecoverable for the daemon.
func Load(opts Options) (*Tracer, error) {
	if opts.RuntimeLib == "" {
		opts.RuntimeLib = DefaultRuntimeLib
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("%w: remove memlock rlimit: %v", zlberr.ErrTracerLoadFailed, err)
	}

	spec, err := ebpf.LoadCollectionSpec(opts.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", zlberr.ErrTracerLoadFailed, opts.ObjectPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", zlberr.ErrTracerLoadFailed, err)
	}

	t := &Tracer{coll: coll, runtimeLib: opts.RuntimeLib}
	if err := t.resolveUprobe(); err != nil {
		coll.Close()
		return nil, err
	}
	if err := t.attachTracepoints(); err != nil {
		t.Close()
		return nil, err
	}

	log.Infof("tracer loaded: %s has %d arguments at file offset 0x%x",
		t.symbolName, t.argsCount, t.fileOffset)
	return t, nil
}

func (t *Tracer) resolveUprobe() error {
	res, err := symbols.ResolveForProbe(t.runtimeLib, SpecializePrefix)
	if err != nil {
		return err
	}
	count, err := symbols.CountArgs(res.Name)
	if err != nil {
		return fmt.Errorf("kerneltracer: count arguments of %s: %w", res.Name, err)
	}
	exec, err := link.OpenExecutable(t.runtimeLib)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", zlberr.ErrTracerLoadFailed, t.runtimeLib, err)
	}
	t.symbolName = res.Name
	t.fileOffset = res.FileOffset
	t.argsCount = count
	t.exec = exec
	return nil
}

func (t *Tracer) attachTracepoints() error {
	points := []struct {
		group, name, prog string
	}{
		{"task", "task_rename", progTaskRename},
		{"task", "task_newtask", progTaskNewtask},
		{"sched", "sched_process_exit", progProcessExit},
		{"raw_syscalls", "sys_enter", progSysEnter},
		{"raw_syscalls", "sys_exit", progSysExit},
	}
	for _, tp := range points {
		prog, ok := t.coll.Programs[tp.prog]
		if !ok {
			return fmt.Errorf("%w: program %s not in object", zlberr.ErrTracepointAttachFailed, tp.prog)
		}
		l, err := link.Tracepoint(tp.group, tp.name, prog, nil)
		if err != nil {
			return fmt.Errorf("%w: %s/%s: %v", zlberr.ErrTracepointAttachFailed, tp.group, tp.name, err)
		}
		t.points = append(t.points, l)
	}
	return nil
}

// AttachUprobe installs the SpecializeCommon uprobe for a single child
// PID. The returned link must be closed before the child is injected, so
// the engine can unmap the [uprobes] trap page without the kernel
// re-installing it.
func (t *Tracer) AttachUprobe(pid int) (link.Link, error) {
	return t.exec.Uprobe("", t.coll.Programs[progSpecialize], &link.UprobeOptions{
		Offset: t.fileOffset,
		PID:    pid,
	})
}

// EventMap returns the EVENT_CHANNEL ring-buffer map for pkg/event.Open.
func (t *Tracer) EventMap() *ebpf.Map { return t.coll.Maps[mapEventChannel] }

// SymbolName is the fully mangled name of the resolved uprobe target.
func (t *Tracer) SymbolName() string { return t.symbolName }

// ArgsCount is the arity of the resolved specialization function, which
// is also the SpecializeArgs slot count the injector snapshots.
func (t *Tracer) ArgsCount() int { return t.argsCount }

// Close detaches the tracepoints and releases the collection. Per-child
// uprobe links are owned by the reactor's attachment map, not by Tracer.
func (t *Tracer) Close() error {
	for _, l := range t.points {
		if err := l.Close(); err != nil {
			log.Warningf("kerneltracer: close tracepoint link: %v", err)
		}
	}
	t.points = nil
	t.coll.Close()
	return nil
}
