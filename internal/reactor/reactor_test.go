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
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/riftzyg/zlb/internal/bootloop"
	"github.com/riftzyg/zlb/internal/tracee"
	"github.com/riftzyg/zlb/pkg/event"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

// fakeSource replays a fixed record sequence, then reports the channel
// closed.
type fakeSource struct {
	records []event.Record
	i       int
}

func (s *fakeSource) Next(ctx context.Context) (event.Record, error) {
	if s.i >= len(s.records) {
		return event.Record{}, ringbuf.ErrClosed
	}
	r := s.records[s.i]
	s.i++
	return r, nil
}

type fakeLink struct {
	mu     sync.Mutex
	closed int
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

type recorder struct {
	mu       sync.Mutex
	resumed  []int
	injected []int
	scrubbed []int
}

func (rec *recorder) resume(pid int) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.resumed = append(rec.resumed, pid)
	return nil
}

func (rec *recorder) inject(pid int, cfg *tracee.BridgeConfig) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.injected = append(rec.injected, pid)
	return nil
}

func (rec *recorder) scrub(pid int) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.scrubbed = append(rec.scrubbed, pid)
	return nil
}

type acceptAll struct{}

func (acceptAll) Check(uid uint32) bool { return true }

type rejectAll struct{}

func (rejectAll) Check(uid uint32) bool { return false }

func newTestReactor(src Source, rec *recorder, l io.Closer) *Reactor {
	return &Reactor{
		Source:   src,
		Attach:   func(pid int) (io.Closer, error) { return l, nil },
		Inject:   rec.inject,
		Scrub:    rec.scrub,
		Config:   &tracee.BridgeConfig{Library: "/fake/bridge.so", ArgsCount: 20, SDK: 31},
		Denylist: acceptAll{},
		Resume:   rec.resume,
	}
}

func TestAttachThenInjectLifecycle(t *testing.T) {
	src := &fakeSource{records: []event.Record{
		{Tag: event.TagZygoteStarted, A: 100},
		{Tag: event.TagZygoteForked, A: 200},
		{Tag: event.TagRequireUprobeAttach, A: 200},
		{Tag: event.TagRequireInject, A: 200, B: 0x7ff123456789},
	}}
	rec := &recorder{}
	l := &fakeLink{}
	r := newTestReactor(src, rec, l)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The uprobe link must be detached exactly once, and the attachment
	// map must have forgotten the pid.
	if l.closed != 1 {
		t.Errorf("link closed %d times, want 1", l.closed)
	}
	if r.AttachedCount() != 0 {
		t.Errorf("attachment map still holds %d entries", r.AttachedCount())
	}

	// The attach stop is resumed by the reactor; the inject stop is
	// owned by the injection task (detach resumes), so exactly one
	// SIGCONT total.
	if len(rec.resumed) != 1 || rec.resumed[0] != 200 {
		t.Errorf("resumed = %v, want [200]", rec.resumed)
	}
	if len(rec.injected) != 1 || rec.injected[0] != 200 {
		t.Errorf("injected = %v, want [200]", rec.injected)
	}
}

func TestInjectWithoutAttachIsNotFatal(t *testing.T) {
	src := &fakeSource{records: []event.Record{
		{Tag: event.TagRequireInject, A: 300, B: 1},
	}}
	rec := &recorder{}
	r := newTestReactor(src, rec, &fakeLink{})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.injected) != 1 {
		t.Errorf("injected = %v, want one entry", rec.injected)
	}
}

func TestAttachFailureStillResumes(t *testing.T) {
	src := &fakeSource{records: []event.Record{
		{Tag: event.TagRequireUprobeAttach, A: 200},
	}}
	rec := &recorder{}
	r := newTestReactor(src, rec, &fakeLink{})
	r.Attach = func(pid int) (io.Closer, error) { return nil, errors.New("attach boom") }

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.resumed) != 1 || rec.resumed[0] != 200 {
		t.Errorf("resumed = %v, want [200]", rec.resumed)
	}
	if r.AttachedCount() != 0 {
		t.Errorf("attachment map holds %d entries after failed attach", r.AttachedCount())
	}
}

func TestBootloopThresholdStopsReactor(t *testing.T) {
	src := &fakeSource{records: []event.Record{
		{Tag: event.TagZygoteCrashed, A: 100},
		{Tag: event.TagZygoteCrashed, A: 101},
		{Tag: event.TagZygoteCrashed, A: 102},
	}}
	rec := &recorder{}
	r := newTestReactor(src, rec, &fakeLink{})
	r.Tracker = bootloop.New(5*time.Minute, 3)

	err := r.Run(context.Background())
	if !errors.Is(err, zlberr.ErrBootloopExceeded) {
		t.Fatalf("Run = %v, want ErrBootloopExceeded", err)
	}
}

func TestZygoteCrashSweepsAttachments(t *testing.T) {
	src := &fakeSource{records: []event.Record{
		{Tag: event.TagRequireUprobeAttach, A: 200},
		{Tag: event.TagZygoteCrashed, A: 100},
	}}
	rec := &recorder{}
	l := &fakeLink{}
	r := newTestReactor(src, rec, l)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.closed != 1 {
		t.Errorf("link closed %d times after crash sweep, want 1", l.closed)
	}
	if r.AttachedCount() != 0 {
		t.Errorf("attachment map holds %d entries after crash", r.AttachedCount())
	}
}

func TestUmountDispatch(t *testing.T) {
	src := &fakeSource{records: []event.Record{
		{Tag: event.TagRequireUmount, A: 300, B: 10123},
	}}
	rec := &recorder{}
	r := newTestReactor(src, rec, &fakeLink{})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.scrubbed) != 1 || rec.scrubbed[0] != 300 {
		t.Errorf("scrubbed = %v, want [300]", rec.scrubbed)
	}
	// The scrubber owns resumption; the reactor must not double-resume.
	if len(rec.resumed) != 0 {
		t.Errorf("resumed = %v, want none", rec.resumed)
	}
}

func TestUmountDeniedResumesChild(t *testing.T) {
	src := &fakeSource{records: []event.Record{
		{Tag: event.TagRequireUmount, A: 300, B: 1000},
	}}
	rec := &recorder{}
	r := newTestReactor(src, rec, &fakeLink{})
	r.Denylist = rejectAll{}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.scrubbed) != 0 {
		t.Errorf("scrubbed = %v, want none", rec.scrubbed)
	}
	if len(rec.resumed) != 1 || rec.resumed[0] != 300 {
		t.Errorf("resumed = %v, want [300]", rec.resumed)
	}
}
