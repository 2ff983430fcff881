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

// Package symbols locates symbols inside a dynamic ELF for uprobe
// attachment, including symbols that only exist inside an embedded
// xz-compressed .gnu_debugdata mini-debug-info section.
package symbols

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/riftzyg/zlb/pkg/zlberr"
)

// Resolved is the result of a successful probe resolution.
type Resolved struct {
	Name       string
	FileOffset uint64
}

// ResolveForProbe parses the ELF at libPath and returns the first symbol
// (searching .dynsym, then .symtab, in that order) whose name starts with
// prefix, translated to a file offset suitable for a uprobe. If the object
// carries a .gnu_debugdata section, its xz-compressed mirror ELF is
// searched too, with offsets translated back through the outer object's
// section table so the result stays valid against the on-disk library.
func ResolveForProbe(libPath, prefix string) (Resolved, error) {
	f, err := elf.Open(libPath)
	if err != nil {
		return Resolved{}, fmt.Errorf("symbols: open %s: %w", libPath, err)
	}
	defer f.Close()

	if res, ok, err := searchFile(f, prefix); err != nil {
		return Resolved{}, err
	} else if ok {
		return res, nil
	}

	if mirror, err := openMiniDebugInfo(f); err == nil && mirror != nil {
		defer mirror.Close()
		if res, ok, err := searchMirror(f, mirror, prefix); err != nil {
			return Resolved{}, err
		} else if ok {
			return res, nil
		}
	}

	return Resolved{}, fmt.Errorf("symbols: %s in %s: %w", prefix, libPath, zlberr.ErrSymbolNotFound)
}

// ResolveAddress returns the virtual address of the symbol with exactly
// the given name, searching .dynsym then .symtab. Unlike ResolveForProbe
// the result is a link-time virtual address: callers add the library's
// runtime base to obtain a target-process address.
func ResolveAddress(libPath, name string) (uint64, error) {
	f, err := elf.Open(libPath)
	if err != nil {
		return 0, fmt.Errorf("symbols: open %s: %w", libPath, err)
	}
	defer f.Close()

	for _, tab := range []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols} {
		syms, err := tab()
		if err != nil {
			continue
		}
		for _, s := range syms {
			if s.Section == elf.SHN_UNDEF {
				continue
			}
			if s.Name == name {
				return s.Value, nil
			}
		}
	}
	return 0, fmt.Errorf("symbols: %s in %s: %w", name, libPath, zlberr.ErrSymbolNotFound)
}

// searchFile walks f's dynamic then static symbol tables for the first
// prefix match, translating the match to a file offset within f itself.
func searchFile(f *elf.File, prefix string) (Resolved, bool, error) {
	for _, tab := range []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols} {
		syms, err := tab()
		if err != nil {
			// No such table (ErrNoSymbols) is not fatal; try the next one.
			continue
		}
		if sym, ok := firstPrefixMatch(syms, prefix); ok {
			off, err := fileOffset(f, sym.Value)
			if err != nil {
				return Resolved{}, false, err
			}
			return Resolved{Name: sym.Name, FileOffset: off}, true, nil
		}
	}
	return Resolved{}, false, nil
}

// searchMirror walks the mini-debug-info mirror ELF's symbol tables, but
// translates the match's virtual address back to a file offset in the
// OUTER object outer, by mapping the mirror's containing section name onto
// outer's section table (the mirror and outer share a layout view, but not
// a file, so only outer's file offsets are meaningful to a uprobe).
func searchMirror(outer, mirror *elf.File, prefix string) (Resolved, bool, error) {
	for _, tab := range []func() ([]elf.Symbol, error){mirror.DynamicSymbols, mirror.Symbols} {
		syms, err := tab()
		if err != nil {
			continue
		}
		if sym, ok := firstPrefixMatch(syms, prefix); ok {
			sec := mirror.Sections[sym.Section]
			outerSec := outer.Section(sec.Name)
			if outerSec == nil {
				return Resolved{}, false, fmt.Errorf("symbols: mirror section %q has no counterpart in outer object", sec.Name)
			}
			off := outerSec.Offset + (sym.Value - outerSec.Addr)
			return Resolved{Name: sym.Name, FileOffset: off}, true, nil
		}
	}
	return Resolved{}, false, nil
}

func firstPrefixMatch(syms []elf.Symbol, prefix string) (elf.Symbol, bool) {
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		if strings.HasPrefix(s.Name, prefix) {
			return s, true
		}
	}
	return elf.Symbol{}, false
}

// fileOffset translates a symbol's virtual address to a file offset via
// the file_range of its containing section.
func fileOffset(f *elf.File, value uint64) (uint64, error) {
	for _, sec := range f.Sections {
		if sec.Addr == 0 {
			continue
		}
		if value >= sec.Addr && value < sec.Addr+sec.Size {
			return sec.Offset + (value - sec.Addr), nil
		}
	}
	return 0, fmt.Errorf("symbols: address 0x%x is not contained in any section", value)
}
