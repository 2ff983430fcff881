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
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// miniDebugSection is the section Android (and most distros) use to embed
// an xz-compressed companion ELF holding symbols stripped from the main
// symbol tables ("MiniDebugInfo").
const miniDebugSection = ".gnu_debugdata"

// openMiniDebugInfo decompresses f's .gnu_debugdata section, if present,
// into an in-memory mirror ELF. Returns (nil, nil) when the section does
// not exist.
func openMiniDebugInfo(f *elf.File) (*elf.File, error) {
	sec := f.Section(miniDebugSection)
	if sec == nil {
		return nil, nil
	}
	compressed, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("symbols: read %s: %w", miniDebugSection, err)
	}
	xr, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("symbols: %s is not an xz stream: %w", miniDebugSection, err)
	}
	raw, err := io.ReadAll(xr)
	if err != nil {
		return nil, fmt.Errorf("symbols: decompress %s: %w", miniDebugSection, err)
	}
	mirror, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("symbols: parse %s mirror: %w", miniDebugSection, err)
	}
	return mirror, nil
}
