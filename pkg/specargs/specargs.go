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

// Package specargs models SpecializeCommon's raw argument array as a
// versioned, named view, since the slot each field occupies shifts between
// Android SDK generations. The core never owns this memory beyond the
// snapshot copy taken during injection.
package specargs

import "fmt"

// Field names a single slot of the raw u64 array. Every slot holds a
// pointer to the actual argument on the zygote's stack, per the uprobe
// calling convention (arg(n) for n < slot count).
type Field int

const (
	FieldEnv Field = iota
	FieldUID
	FieldGID
	FieldGIDs
	FieldRuntimeFlags
	FieldRlimits
	FieldPermittedCaps
	FieldEffectiveCaps
	FieldBoundingCaps // SDK 35 only
	FieldMountExternal
	FieldManagedSEInfo
	FieldManagedNiceName
	FieldIsSystemServer
	FieldIsChildZygote
	FieldManagedInstructionSet
	FieldManagedAppDataDir
	FieldIsTopApp
	FieldPkgDataInfoList
	FieldAllowlistedDataInfoList
	FieldMountDataDirs
	FieldMountStorageDirs
	FieldMountSyspropOverrides // SDK 35 only
)

func (f Field) String() string {
	names := map[Field]string{
		FieldEnv: "env", FieldUID: "uid", FieldGID: "gid", FieldGIDs: "gids",
		FieldRuntimeFlags: "runtime_flags", FieldRlimits: "rlimits",
		FieldPermittedCaps: "permitted_caps", FieldEffectiveCaps: "effective_caps",
		FieldBoundingCaps: "bounding_capabilities", FieldMountExternal: "mount_external",
		FieldManagedSEInfo: "managed_se_info", FieldManagedNiceName: "managed_nice_name",
		FieldIsSystemServer: "is_system_server", FieldIsChildZygote: "is_child_zygote",
		FieldManagedInstructionSet: "managed_instruction_set", FieldManagedAppDataDir: "managed_app_data_dir",
		FieldIsTopApp: "is_top_app", FieldPkgDataInfoList: "pkg_data_info_list",
		FieldAllowlistedDataInfoList: "allowlisted_data_info_list", FieldMountDataDirs: "mount_data_dirs",
		FieldMountStorageDirs: "mount_storage_dirs", FieldMountSyspropOverrides: "mount_sysprop_overrides",
	}
	if n, ok := names[f]; ok {
		return n
	}
	return "unknown"
}

// SDK identifies the Android SDK generation a view's slot table was built
// for. Only 31 and 35 are exhaustively asserted against real devices; 32-34
// are treated identically to 31 per spec Open Question (b).
type SDK int

// Length returns the number of raw u64 slots this SDK's SpecializeArgs
// array has.
func (s SDK) Length() (int, error) {
	switch {
	case s == 35:
		return 22, nil
	case s >= 31 && s <= 34:
		return 20, nil
	default:
		return 0, fmt.Errorf("specargs: unsupported SDK version %d", int(s))
	}
}

// View is a read/write window over a raw SpecializeArgs snapshot, indexed
// by Field instead of raw slot number.
type View struct {
	sdk   SDK
	slots map[Field]int
	raw   []uint64
}

func slotTableSDK31to34() map[Field]int {
	return map[Field]int{
		FieldEnv: 0, FieldUID: 1, FieldGID: 2, FieldGIDs: 3, FieldRuntimeFlags: 4,
		FieldRlimits: 5, FieldPermittedCaps: 6, FieldEffectiveCaps: 7,
		FieldMountExternal: 8, FieldManagedSEInfo: 9, FieldManagedNiceName: 10,
		FieldIsSystemServer: 11, FieldIsChildZygote: 12, FieldManagedInstructionSet: 13,
		FieldManagedAppDataDir: 14, FieldIsTopApp: 15, FieldPkgDataInfoList: 16,
		FieldAllowlistedDataInfoList: 17, FieldMountDataDirs: 18, FieldMountStorageDirs: 19,
	}
}

func slotTableSDK35() map[Field]int {
	t := map[Field]int{
		FieldEnv: 0, FieldUID: 1, FieldGID: 2, FieldGIDs: 3, FieldRuntimeFlags: 4,
		FieldRlimits: 5, FieldPermittedCaps: 6, FieldEffectiveCaps: 7, FieldBoundingCaps: 8,
		FieldMountExternal: 9, FieldManagedSEInfo: 10, FieldManagedNiceName: 11,
		FieldIsSystemServer: 12, FieldIsChildZygote: 13, FieldManagedInstructionSet: 14,
		FieldManagedAppDataDir: 15, FieldIsTopApp: 16, FieldPkgDataInfoList: 17,
		FieldAllowlistedDataInfoList: 18, FieldMountDataDirs: 19, FieldMountStorageDirs: 20,
		FieldMountSyspropOverrides: 21,
	}
	return t
}

// New builds a View over raw for the given SDK generation. It fails closed
// (a non-nil error) for any SDK outside the supported range, or if raw's
// length doesn't match the SDK's expected slot count.
func New(sdk SDK, raw []uint64) (*View, error) {
	length, err := sdk.Length()
	if err != nil {
		return nil, err
	}
	if len(raw) != length {
		return nil, fmt.Errorf("specargs: SDK %d expects %d slots, got %d", int(sdk), length, len(raw))
	}
	var slots map[Field]int
	if sdk == 35 {
		slots = slotTableSDK35()
	} else {
		slots = slotTableSDK31to34()
	}
	return &View{sdk: sdk, slots: slots, raw: raw}, nil
}

// SDK returns the SDK generation this view was constructed for.
func (v *View) SDK() SDK { return v.sdk }

// Len returns the number of raw slots (the injection pipeline's args_count).
func (v *View) Len() int { return len(v.raw) }

// Raw returns the underlying slot array. Mutations through Set are
// reflected here; the caller is responsible for writing changed slots back
// into the traced process.
func (v *View) Raw() []uint64 { return v.raw }

// Get returns the raw pointer-valued slot for a field, and whether this
// SDK generation defines that field at all.
func (v *View) Get(f Field) (uint64, bool) {
	idx, ok := v.slots[f]
	if !ok {
		return 0, false
	}
	return v.raw[idx], true
}

// Set overwrites the raw pointer-valued slot for a field. It is a no-op
// returning false if this SDK generation doesn't define the field.
func (v *View) Set(f Field, value uint64) bool {
	idx, ok := v.slots[f]
	if !ok {
		return false
	}
	v.raw[idx] = value
	return true
}

// Index returns the raw slot index for a field, for callers that need to
// compute the uprobe-argument calling-convention location directly (see
// internal/tracee).
func (v *View) Index(f Field) (int, bool) {
	idx, ok := v.slots[f]
	return idx, ok
}
