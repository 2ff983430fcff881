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

package symbols

import (
	"debug/elf"
	"errors"
	"testing"

	"github.com/riftzyg/zlb/pkg/zlberr"
)

func section(name string, addr, size, offset uint64) *elf.Section {
	return &elf.Section{SectionHeader: elf.SectionHeader{
		Name:   name,
		Addr:   addr,
		Size:   size,
		Offset: offset,
	}}
}

func TestFileOffset(t *testing.T) {
	f := &elf.File{Sections: []*elf.Section{
		section("", 0, 0, 0), // null section
		section(".text", 0x1000, 0x500, 0x200),
		section(".data", 0x2000, 0x100, 0x800),
	}}

	off, err := fileOffset(f, 0x1040)
	if err != nil {
		t.Fatalf("fileOffset: %v", err)
	}
	if off != 0x240 {
		t.Fatalf("fileOffset(0x1040) = 0x%x, want 0x240", off)
	}

	if _, err := fileOffset(f, 0x9000); err == nil {
		t.Fatal("fileOffset on an unmapped address should fail")
	}
}

func TestFirstPrefixMatch(t *testing.T) {
	syms := []elf.Symbol{
		{Name: "_ZN3FooD1Ev", Section: elf.SHN_UNDEF}, // undefined, skipped
		{Name: "other_symbol", Section: elf.SectionIndex(1)},
		{Name: "_ZN3Foo3barEi", Section: elf.SectionIndex(1)},
		{Name: "_ZN3Foo3bazEv", Section: elf.SectionIndex(1)},
	}

	sym, ok := firstPrefixMatch(syms, "_ZN3Foo")
	if !ok {
		t.Fatal("expected a match for prefix _ZN3Foo")
	}
	if sym.Name != "_ZN3Foo3barEi" {
		t.Fatalf("first match = %q, want _ZN3Foo3barEi", sym.Name)
	}

	if _, ok := firstPrefixMatch(syms, "_ZN3Qux"); ok {
		t.Fatal("unexpected match for prefix _ZN3Qux")
	}
}

func TestResolveForProbeMissingFile(t *testing.T) {
	if _, err := ResolveForProbe("/nonexistent/lib.so", "x"); err == nil {
		t.Fatal("expected error for missing library")
	}
}

func TestResolveForProbeNotFound(t *testing.T) {
	// The test binary itself is a valid ELF with symbol tables; an absurd
	// prefix must surface ErrSymbolNotFound rather than a parse error.
	_, err := ResolveForProbe("/proc/self/exe", "_ZN99NoSuchSymbolEver")
	if !errors.Is(err, zlberr.ErrSymbolNotFound) {
		t.Fatalf("err = %v, want ErrSymbolNotFound", err)
	}
}
