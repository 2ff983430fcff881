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
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MountInfo is one parsed line of /proc/self/mountinfo, carrying the
// fields the Magisk/KernelSU detach policies need. No suitable third-party
// mountinfo parser appears anywhere in the retrieval pack (see
// DESIGN.md), so this is a small, purpose-built stdlib scanner mirroring
// the field layout original_source's monitor.rs reads via procfs'
// MountInfo.
type MountInfo struct {
	MountID    int
	ParentID   int
	Root       string
	MountPoint string
	FSType     string
	MountSource string
}

// parseMountinfo reads the mountinfo(5) line format:
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//
// fields up to the first "-" separator, then the filesystem type and
// mount source that follow it.
func parseMountinfo(r io.Reader) ([]MountInfo, error) {
	var out []MountInfo
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		mi, err := parseMountinfoLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, mi)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scrub: read mountinfo: %w", err)
	}
	return out, nil
}

func parseMountinfoLine(line string) (MountInfo, error) {
	fields := strings.Fields(line)
	sep := -1
	for i, f := range fields {
		if f == "-" {
			sep = i
			break
		}
	}
	if sep < 0 || sep < 4 || len(fields) < sep+3 {
		return MountInfo{}, fmt.Errorf("scrub: malformed mountinfo line: %q", line)
	}

	mountID, parentID := 0, 0
	fmt.Sscanf(fields[0], "%d", &mountID)
	fmt.Sscanf(fields[1], "%d", &parentID)

	return MountInfo{
		MountID:     mountID,
		ParentID:    parentID,
		Root:        unescapeOctal(fields[3]),
		MountPoint:  unescapeOctal(fields[4]),
		FSType:      fields[sep+1],
		MountSource: unescapeOctal(fields[sep+2]),
	}, nil
}

// unescapeOctal decodes the \NNN octal escapes mountinfo uses for
// whitespace and backslashes inside paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var v int
			if _, err := fmt.Sscanf(s[i+1:i+4], "%o", &v); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
