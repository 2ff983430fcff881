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

package bootloop

import (
	"testing"
	"time"
)

func TestTrackerThreshold(t *testing.T) {
	tr := New(5*time.Minute, 3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if tr.Crashed(base) {
		t.Fatalf("1st crash should not trip the tracker")
	}
	if tr.Crashed(base.Add(time.Minute)) {
		t.Fatalf("2nd crash should not trip the tracker")
	}
	if !tr.Crashed(base.Add(2 * time.Minute)) {
		t.Fatalf("3rd crash within the window should trip the tracker")
	}
}

func TestTrackerWindowPurge(t *testing.T) {
	tr := New(5*time.Minute, 3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.Crashed(base)
	tr.Crashed(base.Add(time.Minute))

	// This crash is 6 minutes after the first, so the first has fallen out
	// of the window; only 2 entries should remain (this one + the 2nd).
	if tr.Crashed(base.Add(6 * time.Minute)) {
		t.Fatalf("stale crash outside the window should not count toward the threshold")
	}
	if got := tr.Len(); got != 2 {
		t.Fatalf("expected 2 surviving entries, got %d", got)
	}
}

func TestTrackerMonotoneWithinWindow(t *testing.T) {
	tr := New(time.Hour, 100)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	prev := 0
	for i := 0; i < 10; i++ {
		tr.Crashed(base.Add(time.Duration(i) * time.Second))
		if tr.Len() < prev {
			t.Fatalf("tracker length decreased within window: %d -> %d", prev, tr.Len())
		}
		prev = tr.Len()
	}
}
