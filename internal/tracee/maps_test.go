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
	"strings"
	"testing"
)

const sampleMaps = `7ff123400000-7ff123600000 r-xp 00000000 fe:00 12345  /system/lib64/libc.so
7ff123600000-7ff123700000 r--p 00200000 fe:00 12345  /system/lib64/libc.so
7ff123300000-7ff123400000 rw-p 00000000 fe:00 12345  /system/lib64/libc.so
7ff200000000-7ff200040000 r-xp 00000000 fe:00 54321  /system/lib64/libdl.so
7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0      [stack]
7fff00000000-7fff00001000 r-xp 00000000 00:00 0      [uprobes]
7ff300000000-7ff300010000 r-xp 00000000 fe:01 777    /data/local/tmp/my lib.so
`

func TestParseMaps(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatalf("parseMaps: %v", err)
	}
	if len(maps) != 7 {
		t.Fatalf("parsed %d mappings, want 7", len(maps))
	}
	if maps[0].Start != 0x7ff123400000 || maps[0].End != 0x7ff123600000 {
		t.Errorf("first mapping range = 0x%x-0x%x", maps[0].Start, maps[0].End)
	}
	if maps[0].Perms != "r-xp" {
		t.Errorf("first mapping perms = %q", maps[0].Perms)
	}
	// Pathnames with spaces survive the field rejoin.
	if maps[6].Pathname != "/data/local/tmp/my lib.so" {
		t.Errorf("spaced pathname = %q", maps[6].Pathname)
	}
}

func TestFindModule(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatalf("parseMaps: %v", err)
	}

	// Base is the lowest start across all segments of the path, not the
	// first line's.
	base, ok := maps.FindModule("libc.so")
	if !ok {
		t.Fatal("libc.so not found")
	}
	if base != 0x7ff123300000 {
		t.Fatalf("libc.so base = 0x%x, want 0x7ff123300000", base)
	}

	if _, ok := maps.FindModule("libmissing.so"); ok {
		t.Fatal("unexpected match for libmissing.so")
	}

	// Pseudo-mappings are never returned as modules.
	if _, ok := maps.FindModule("[stack]"); ok {
		t.Fatal("pseudo-mapping matched as a module")
	}
}

func TestFindUprobes(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatalf("parseMaps: %v", err)
	}
	up, ok := maps.FindUprobes()
	if !ok {
		t.Fatal("[uprobes] not found")
	}
	if up.Start != 0x7fff00000000 || up.End != 0x7fff00001000 {
		t.Fatalf("[uprobes] range = 0x%x-0x%x", up.Start, up.End)
	}
}

func TestModulePath(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatalf("parseMaps: %v", err)
	}
	p, ok := maps.ModulePath("libdl.so")
	if !ok || p != "/system/lib64/libdl.so" {
		t.Fatalf("ModulePath(libdl.so) = %q, %v", p, ok)
	}
}

func TestParseMapsMalformed(t *testing.T) {
	if _, err := parseMaps(strings.NewReader("not a maps line\n")); err == nil {
		t.Fatal("expected error for malformed maps line")
	}
}
