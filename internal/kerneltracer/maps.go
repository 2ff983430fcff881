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

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// ChildState mirrors the values bpf/tracer.c stores in CHILD_STATE. The
// authoritative writes happen in kernel context; these accessors exist
// for diagnostics and tests only.
type ChildState uint32

const (
	// WaitForAttach: the child was just forked and has not yet entered
	// post-fork user code.
	WaitForAttach ChildState = 1
	// WaitForUmount: the child is past the uprobe-attach stop and the
	// next interesting event is a successful unshare(2).
	WaitForUmount ChildState = 2
)

func (s ChildState) String() string {
	switch s {
	case WaitForAttach:
		return "WaitForAttach"
	case WaitForUmount:
		return "WaitForUmount"
	default:
		return fmt.Sprintf("ChildState(%d)", uint32(s))
	}
}

// ZygotePID reads the single-slot zygote PID cell. Returns 0 before the
// tracer has observed a zygote64 rename.
func (t *Tracer) ZygotePID() (int32, error) {
	var pid int32
	if err := t.coll.Maps[mapZygotePID].Lookup(uint32(0), &pid); err != nil {
		return 0, fmt.Errorf("kerneltracer: read zygote pid cell: %w", err)
	}
	return pid, nil
}

// LookupChildState reads the child-state table entry for pid. The second
// return is false when the kernel holds no entry for the pid.
func (t *Tracer) LookupChildState(pid uint32) (ChildState, bool, error) {
	var state uint32
	err := t.coll.Maps[mapChildState].Lookup(pid, &state)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kerneltracer: read child state for %d: %w", pid, err)
	}
	return ChildState(state), true, nil
}
