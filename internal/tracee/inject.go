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

package tracee

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/riftzyg/zlb/internal/filterabi"
	"github.com/riftzyg/zlb/pkg/arch"
	"github.com/riftzyg/zlb/pkg/log"
	"github.com/riftzyg/zlb/pkg/specargs"
	"github.com/riftzyg/zlb/pkg/symbols"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

// Bridge export names. Each is a writable global variable, not a
// function; the bridge's constructor populates the first two before
// dlopen returns, and the injector pokes the third.
const (
	exportCallbackPre   = "ZLB_CALLBACK_PRE"
	exportTrampoline    = "ZLB_TRAMPOLINE"
	exportReturnAddress = "ZLB_RETURN_ADDRESS"
)

const rtldLazy = 1

// errFilterRejected is the internal skip marker: the filter said no, the
// child resumes unwatched. Not surfaced as a failure.
var errFilterRejected = errors.New("tracee: filter rejected process")

// BridgeConfig is the immutable per-daemon injection configuration,
// shared by every injection task.
type BridgeConfig struct {
	// Library is the bridge shared object's path as visible inside the
	// target's mount namespace.
	Library string

	// Filter decides per child whether to proceed; nil accepts all.
	Filter *filterabi.Filter

	// ArgsCount is the specialization function's arity, counted from its
	// resolved symbol name at startup.
	ArgsCount int

	// SDK selects the SpecializeArgs slot layout.
	SDK specargs.SDK

	// ReturnAddr is the specialization function's original return
	// address, captured in-kernel at the uprobe.
	ReturnAddr uint64
}

// Inject runs the full injection pipeline against a child stopped at the
// specialization uprobe. On any failure after attach, the attach-time
// register snapshot is restored before detaching, so the worst outcome
// is a missed injection, never a corrupted process.
func Inject(pid int, cfg *BridgeConfig) error {
	t, err := Attach(pid)
	if err != nil {
		return err
	}
	defer t.Detach()

	err = t.inject(cfg)
	if err != nil {
		if rerr := t.RestoreAttachState(); rerr != nil {
			log.Warningf("tracee: restore %d after failed injection: %v", pid, rerr)
		}
		if errors.Is(err, errFilterRejected) {
			log.Debugf("tracee: %d skipped by filter", pid)
			return nil
		}
	}
	return err
}

func (t *Tracee) inject(cfg *BridgeConfig) error {
	// Entry-state view of the stop: undo the probed prologue instruction
	// so sp/pc describe the function-entry frame the rest of the
	// pipeline computes against.
	entryRegs := t.attachRegs.Clone()
	if err := correctEntryState(t, entryRegs); err != nil {
		return err
	}

	maps, err := LoadMaps(t.pid)
	if err != nil {
		return err
	}
	if base, ok := maps.FindModule("libc.so"); ok {
		t.SetCallSentinel(base)
	}

	if err := t.unmapUprobePage(entryRegs, maps); err != nil {
		return err
	}

	raw := make([]uint64, cfg.ArgsCount)
	for i := range raw {
		v, err := t.UprobeArg(entryRegs, i)
		if err != nil {
			return err
		}
		raw[i] = v
	}

	view, err := specargs.New(cfg.SDK, raw)
	if err != nil {
		return err
	}

	if cfg.Filter != nil {
		ok, err := t.runFilter(cfg.Filter, view)
		if err != nil {
			log.Warningf("tracee: filter check for %d: %v", t.pid, err)
			return errFilterRejected
		}
		if !ok {
			return errFilterRejected
		}
	}

	if err := correctPAC(t, entryRegs); err != nil {
		return err
	}

	handle, err := t.remoteDlopen(entryRegs, maps, cfg.Library)
	if err != nil {
		return err
	}
	log.Debugf("tracee: %d loaded %s, handle 0x%x", t.pid, cfg.Library, handle)

	// The bridge is mapped now; refresh the snapshot to find it.
	maps, err = LoadMaps(t.pid)
	if err != nil {
		return err
	}
	callbackPre, trampoline, returnSlot, err := t.resolveBridgeExports(maps, cfg.Library)
	if err != nil {
		return err
	}

	if err := t.PokeWord(returnSlot, cfg.ReturnAddr); err != nil {
		return err
	}

	if err := t.runCallback(entryRegs, view, callbackPre); err != nil {
		return err
	}

	// Hand the eventual return to the trampoline, which will run the
	// post-specialize hook and jump to the saved original address.
	tramp, err := t.PeekWord(trampoline)
	if err != nil {
		return err
	}
	if tramp == 0 {
		return fmt.Errorf("%w: %s is unset", zlberr.ErrBridgeExportMissing, exportTrampoline)
	}
	if err := setReturnSlot(t, entryRegs, tramp); err != nil {
		return err
	}

	return t.SetRegs(entryRegs)
}

// unmapUprobePage remotely calls munmap on the kernel's [uprobes] trap
// page, so the child's return through the restored prologue is
// undisturbed. A missing pseudo-mapping means the reactor already
// detached the probe and the kernel cleaned up; nothing to do.
func (t *Tracee) unmapUprobePage(entryRegs arch.Registers, maps Maps) error {
	up, ok := maps.FindUprobes()
	if !ok {
		return nil
	}
	munmapAddr, err := t.libcSymbol(maps, "munmap")
	if err != nil {
		return err
	}
	ret, err := t.Call(entryRegs, munmapAddr, []uint64{up.Start, up.End - up.Start})
	if err != nil {
		return err
	}
	if int64(ret) != 0 {
		return fmt.Errorf("%w: remote munmap([uprobes]) returned %d", zlberr.ErrRemotePtraceFailed, int64(ret))
	}
	return nil
}

func (t *Tracee) libcSymbol(maps Maps, name string) (uint64, error) {
	return t.moduleSymbol(maps, "libc.so", name)
}

func (t *Tracee) moduleSymbol(maps Maps, basename, name string) (uint64, error) {
	libPath, ok := maps.ModulePath(basename)
	if !ok {
		return 0, fmt.Errorf("tracee: %s not mapped in %d", basename, t.pid)
	}
	base, _ := maps.FindModule(basename)
	vaddr, err := symbols.ResolveAddress(libPath, name)
	if err != nil {
		return 0, err
	}
	return base + vaddr, nil
}

// runFilter reads the child's process and package names and consults the
// filter. The process name comes from the managed nice-name jstring; the
// package name is derived from the app data directory's basename.
func (t *Tracee) runFilter(filter *filterabi.Filter, view *specargs.View) (bool, error) {
	uidRaw, _ := view.Get(specargs.FieldUID)
	uid := uint32(uidRaw)

	env, _ := view.Get(specargs.FieldEnv)

	var namePtr, pkgPtr *string
	if jstr, ok := view.Get(specargs.FieldManagedNiceName); ok && jstr != 0 && env != 0 {
		name, err := t.ReadJString(env, jstr)
		if err != nil {
			return false, err
		}
		namePtr = &name
	}
	if jstr, ok := view.Get(specargs.FieldManagedAppDataDir); ok && jstr != 0 && env != 0 {
		dir, err := t.ReadJString(env, jstr)
		if err != nil {
			return false, err
		}
		pkg := path.Base(dir)
		pkgPtr = &pkg
	}

	return filter.Check(uid, pkgPtr, namePtr), nil
}

// remoteDlopen loads the bridge inside the target. The library path is
// staged on the target stack for the duration of the call.
func (t *Tracee) remoteDlopen(entryRegs arch.Registers, maps Maps, library string) (uint64, error) {
	dlopenAddr, err := t.moduleSymbol(maps, "libdl.so", "dlopen")
	if err != nil {
		return 0, err
	}

	work := entryRegs.Clone()
	pathAddr, err := t.AllocOnStack(work, append([]byte(library), 0))
	if err != nil {
		return 0, err
	}

	handle, err := t.Call(work, dlopenAddr, []uint64{pathAddr, rtldLazy})
	if err != nil {
		return 0, err
	}
	if handle != 0 {
		return handle, nil
	}

	// Pull the loader's diagnostic out of the target before failing.
	msg := "unknown"
	if dlerrorAddr, rerr := t.moduleSymbol(maps, "libdl.so", "dlerror"); rerr == nil {
		if msgPtr, rerr := t.Call(work, dlerrorAddr, nil); rerr == nil && msgPtr != 0 {
			if s, rerr := t.ReadCString(msgPtr); rerr == nil {
				msg = s
			}
		}
	}
	return 0, &zlberr.RemoteDlopenFailed{Message: msg}
}

// resolveBridgeExports locates the three well-known globals inside the
// just-loaded bridge.
func (t *Tracee) resolveBridgeExports(maps Maps, library string) (callbackPre, trampoline, returnSlot uint64, err error) {
	basename := filepath.Base(library)
	base, ok := maps.FindModule(basename)
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %s not mapped after dlopen", zlberr.ErrBridgeExportMissing, basename)
	}
	for _, e := range []struct {
		name string
		dst  *uint64
	}{
		{exportCallbackPre, &callbackPre},
		{exportTrampoline, &trampoline},
		{exportReturnAddress, &returnSlot},
	} {
		vaddr, rerr := symbols.ResolveAddress(library, e.name)
		if rerr != nil {
			return 0, 0, 0, fmt.Errorf("%w: %s: %v", zlberr.ErrBridgeExportMissing, e.name, rerr)
		}
		*e.dst = base + vaddr
	}
	return callbackPre, trampoline, returnSlot, nil
}

// runCallback stages the argument snapshot on the target stack, invokes
// *ZLB_CALLBACK_PRE(args_ptr, args_len), and writes any mutated slots
// back to their original calling-convention locations.
func (t *Tracee) runCallback(entryRegs arch.Registers, view *specargs.View, callbackPre uint64) error {
	cb, err := t.PeekWord(callbackPre)
	if err != nil {
		return err
	}
	if cb == 0 {
		return fmt.Errorf("%w: %s is unset", zlberr.ErrBridgeExportMissing, exportCallbackPre)
	}

	raw := view.Raw()
	buf := make([]byte, 8*len(raw))
	for i, v := range raw {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}

	work := entryRegs.Clone()
	argsAddr, err := t.AllocOnStack(work, buf)
	if err != nil {
		return err
	}
	if _, err := t.Call(work, cb, []uint64{argsAddr, uint64(len(raw))}); err != nil {
		return err
	}

	// The bridge mutates the staged buffer in place; propagate only the
	// slots that changed back into the live argument locations.
	for i := range raw {
		v, err := t.PeekWord(argsAddr + 8*uint64(i))
		if err != nil {
			return err
		}
		if v == raw[i] {
			continue
		}
		log.Debugf("tracee: %d arg %d mutated 0x%x -> 0x%x", t.pid, i, raw[i], v)
		if err := t.SetUprobeArg(entryRegs, i, v); err != nil {
			return err
		}
	}
	return nil
}
