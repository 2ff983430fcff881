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

// Package filterabi loads the optional caller-supplied filter library
// into the daemon itself (once, at startup) and exposes its single
// export:
//
//	bool check_process(uid_t uid, const char *pkg, const char *name);
//
// Returning true means "inject this child", false means "skip". The
// library is loaded with purego so the daemon needs no cgo.
package filterabi

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/riftzyg/zlb/pkg/zlberr"
)

// Filter is a loaded filter library. The zero of *Filter (nil) accepts
// every process.
type Filter struct {
	handle uintptr
	check  func(uid uint32, pkg, name unsafe.Pointer) bool
}

// Load dlopens the filter library and binds check_process. The library
// stays loaded for the daemon's lifetime; there is no Unload.
func Load(path string) (*Filter, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("%w: dlopen %s: %v", zlberr.ErrFilterLibraryLoadFailed, path, err)
	}
	sym, err := purego.Dlsym(handle, "check_process")
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no check_process: %v", zlberr.ErrFilterLibraryLoadFailed, path, err)
	}

	f := &Filter{handle: handle}
	purego.RegisterFunc(&f.check, sym)
	return f, nil
}

// Check calls check_process. pkg and name may be nil, which is passed
// through as a null pointer per the ABI. A nil Filter accepts everything.
func (f *Filter) Check(uid uint32, pkg, name *string) bool {
	if f == nil {
		return true
	}
	pkgPtr, pkgBuf := cstr(pkg)
	namePtr, nameBuf := cstr(name)
	ok := f.check(uid, pkgPtr, namePtr)
	runtime.KeepAlive(pkgBuf)
	runtime.KeepAlive(nameBuf)
	return ok
}

func cstr(s *string) (unsafe.Pointer, []byte) {
	if s == nil {
		return nil, nil
	}
	buf := append([]byte(*s), 0)
	return unsafe.Pointer(&buf[0]), buf
}
