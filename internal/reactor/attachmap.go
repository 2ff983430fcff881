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

package reactor

import (
	"io"

	"github.com/riftzyg/zlb/pkg/log"
)

// attachMap tracks, per forked child, the uprobe link handle currently
// holding it. It is reactor-private: a single goroutine owns it, so no
// locking. Every inserted pid must be removed by exactly one matching
// inject event (or swept when the zygote crashes); a remove that finds
// nothing is a protocol error the caller logs.
type attachMap struct {
	links map[uint32]io.Closer
}

func newAttachMap() *attachMap {
	return &attachMap{links: make(map[uint32]io.Closer)}
}

// insert stores the link for pid. A duplicate insert closes the stale
// link first; the kernel guarantees per-pid event ordering, so this only
// happens if a child pid is recycled mid-protocol.
func (m *attachMap) insert(pid uint32, l io.Closer) {
	if old, ok := m.links[pid]; ok {
		log.Warningf("reactor: duplicate uprobe attach for %d, dropping stale link", pid)
		if err := old.Close(); err != nil {
			log.Warningf("reactor: close stale link for %d: %v", pid, err)
		}
	}
	m.links[pid] = l
}

// remove takes the link for pid out of the map.
func (m *attachMap) remove(pid uint32) (io.Closer, bool) {
	l, ok := m.links[pid]
	if ok {
		delete(m.links, pid)
	}
	return l, ok
}

// sweep closes and forgets every held link; used when the zygote
// crashes and all of its stopped children die with it.
func (m *attachMap) sweep() {
	for pid, l := range m.links {
		if err := l.Close(); err != nil {
			log.Warningf("reactor: close link for %d during sweep: %v", pid, err)
		}
		delete(m.links, pid)
	}
}

func (m *attachMap) len() int { return len(m.links) }
