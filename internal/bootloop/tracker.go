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

// Package bootloop tracks how often the zygote crashes within a sliding
// window, and tells the reactor when it's time to give up and let the
// caller's supervisor restart the daemon from a clean slate.
package bootloop

import (
	"container/list"
	"time"
)

// DefaultWindow and DefaultThreshold match spec.md §3's "T=5 minutes,
// K=3" defaults.
const (
	DefaultWindow    = 5 * time.Minute
	DefaultThreshold = 3
)

// Tracker is a reactor-private, single-goroutine sliding-window counter of
// ZygoteCrashed timestamps. It is not safe for concurrent use.
type Tracker struct {
	window    time.Duration
	threshold int
	times     *list.List // of time.Time, oldest at Front
}

// New constructs a Tracker with the given window and threshold.
func New(window time.Duration, threshold int) *Tracker {
	return &Tracker{window: window, threshold: threshold, times: list.New()}
}

// Crashed records a ZygoteCrashed event at now, purges entries older than
// the window, and reports whether the daemon should give up.
func (t *Tracker) Crashed(now time.Time) bool {
	t.purge(now)
	t.times.PushBack(now)
	return t.times.Len() >= t.threshold
}

// purge drops every timestamp strictly older than now-window. Entries are
// inserted in non-decreasing order, so the oldest-first scan can stop at
// the first surviving entry.
func (t *Tracker) purge(now time.Time) {
	cutoff := now.Add(-t.window)
	for e := t.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			t.times.Remove(e)
		} else {
			break
		}
		e = next
	}
}

// Len reports the number of crash timestamps currently inside the window.
func (t *Tracker) Len() int { return t.times.Len() }
