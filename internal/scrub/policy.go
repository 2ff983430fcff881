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

package scrub

import "strings"

// magiskDetachSet selects mounts whose source is "magisk"/"worker", or
// whose root begins with /adb/modules, per spec.md §4.7 and
// original_source's monitor.rs::filter_mounts_magisk. The result
// preserves mountinfo's table order (chronological mount order); the
// caller detaches in reverse of that order.
func magiskDetachSet(mounts []MountInfo) []string {
	var mp []string
	for _, m := range mounts {
		if m.MountSource == "magisk" || m.MountSource == "worker" {
			mp = append(mp, m.MountPoint)
			continue
		}
		if strings.HasPrefix(m.Root, "/adb/modules") {
			mp = append(mp, m.MountPoint)
		}
	}
	return mp
}

// kernelSUDetachSet selects mounts under /data/adb, the loop device
// backing /data/adb/modules (if any), and overlay/tmpfs mounts sourced
// from "KSU", per spec.md §4.7/§9(c) and
// original_source's monitor.rs::filter_mounts_kernelsu. If the
// /data/adb/modules loop-device mount doesn't appear in the table, the
// loop device is unknown and none of its derived mounts are selected.
// Like magiskDetachSet, the result preserves mountinfo's table order.
func kernelSUDetachSet(mounts []MountInfo) []string {
	const moduleDir = "/data/adb/modules"

	var mp []string
	var loopDev string
	haveLoopDev := false

	for _, m := range mounts {
		if m.MountPoint == moduleDir && m.MountSource != "" {
			loopDev = m.MountSource
			haveLoopDev = true
		}
	}

	for _, m := range mounts {
		if m.MountPoint == moduleDir && m.MountSource != "" {
			continue
		}
		switch {
		case strings.HasPrefix(m.MountPoint, "/data/adb"),
			haveLoopDev && m.MountSource == loopDev,
			m.MountSource == "KSU" && (m.FSType == "overlay" || m.FSType == "tmpfs"):
			mp = append(mp, m.MountPoint)
		}
	}

	return mp
}
