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

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseMountinfoLine(t *testing.T) {
	line := "36 35 98:0 / /data/adb/modules rw,noatime master:1 - ext4 /dev/block/loop7 rw,errors=continue"
	mi, err := parseMountinfoLine(line)
	if err != nil {
		t.Fatalf("parseMountinfoLine: %v", err)
	}
	want := MountInfo{
		MountID: 36, ParentID: 35, Root: "/", MountPoint: "/data/adb/modules",
		FSType: "ext4", MountSource: "/dev/block/loop7",
	}
	if mi != want {
		t.Fatalf("got %+v, want %+v", mi, want)
	}
}

func TestParseMountinfoOctalEscape(t *testing.T) {
	line := `36 35 98:0 / /mnt/my\040dir rw - ext4 /dev/loop0 rw`
	mi, err := parseMountinfoLine(line)
	if err != nil {
		t.Fatalf("parseMountinfoLine: %v", err)
	}
	if mi.MountPoint != "/mnt/my dir" {
		t.Fatalf("expected octal-unescaped mount point, got %q", mi.MountPoint)
	}
}

func TestKernelSUDetachSet(t *testing.T) {
	mounts := []MountInfo{
		{MountPoint: "/data/adb/modules", MountSource: "/dev/block/loop7", FSType: "ext4"},
		{MountPoint: "/data/adb/modules/foo/system", MountSource: "/dev/block/loop7", FSType: "ext4"},
		{MountPoint: "/data/adb/ksud", MountSource: "tmpfs", FSType: "tmpfs"},
		{MountPoint: "/system/bin/app_process64", MountSource: "KSU", FSType: "overlay"},
		{MountPoint: "/unrelated", MountSource: "/dev/sda1", FSType: "ext4"},
	}

	got := kernelSUDetachSet(mounts)
	want := []string{
		"/data/adb/modules/foo/system",
		"/data/adb/ksud",
		"/system/bin/app_process64",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestKernelSUDetachSetNoLoopDevice(t *testing.T) {
	mounts := []MountInfo{
		{MountPoint: "/data/adb/ksud", MountSource: "tmpfs", FSType: "tmpfs"},
	}
	got := kernelSUDetachSet(mounts)
	if len(got) != 1 || got[0] != "/data/adb/ksud" {
		t.Fatalf("expected only the /data/adb prefix match, got %v", got)
	}
}

func TestMagiskDetachSet(t *testing.T) {
	mounts := []MountInfo{
		{MountPoint: "/system/bin/app_process64", MountSource: "magisk", Root: "/magisk/app_process64"},
		{MountPoint: "/data/adb/modules/foo/system", MountSource: "worker", Root: "/foo/system"},
		{MountPoint: "/some/other", MountSource: "overlay", Root: "/adb/modules/bar"},
		{MountPoint: "/unrelated", MountSource: "/dev/sda1", Root: "/"},
	}
	got := magiskDetachSet(mounts)
	want := []string{
		"/system/bin/app_process64",
		"/data/adb/modules/foo/system",
		"/some/other",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseMountinfoMultipleLines(t *testing.T) {
	data := strings.Join([]string{
		"36 35 98:0 / / rw - ext4 /dev/root rw",
		"37 36 98:0 / /proc rw - proc proc rw",
	}, "\n")
	mounts, err := parseMountinfo(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parseMountinfo: %v", err)
	}
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(mounts))
	}
}
