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

// Package reactor consumes kernel tracer events one at a time and drives
// the userspace side of the injection protocol: per-child uprobe
// attach/detach bookkeeping, the bootloop guard, and dispatch of
// injection and umount jobs onto a bounded worker pool. Any error in one
// iteration is logged; the loop never aborts except on the bootloop
// threshold or channel shutdown.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/riftzyg/zlb/internal/bootloop"
	"github.com/riftzyg/zlb/internal/tracee"
	"github.com/riftzyg/zlb/pkg/event"
	"github.com/riftzyg/zlb/pkg/log"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

// DefaultMaxWorkers bounds concurrently in-flight injection and umount
// jobs. Each job holds exactly one child stopped, so this is also the
// maximum number of children paused at once.
const DefaultMaxWorkers = 8

// Source yields decoded tracer events; pkg/event.Channel is the
// production implementation.
type Source interface {
	Next(ctx context.Context) (event.Record, error)
}

// UIDChecker gates the umount scrubber; internal/denylist.Store is the
// production implementation.
type UIDChecker interface {
	Check(uid uint32) bool
}

// Reactor is the single-threaded event loop. All fields must be set
// before Run except where noted.
type Reactor struct {
	// Source is the event channel.
	Source Source

	// Attach installs the SpecializeCommon uprobe for one child PID.
	Attach func(pid int) (io.Closer, error)

	// Inject runs the injection pipeline for one stopped child. It owns
	// resumption: detaching the tracee continues the process.
	Inject func(pid int, cfg *tracee.BridgeConfig) error

	// Scrub launches the mount-namespace scrubber for one stopped child.
	// The scrubber owns resumption.
	Scrub func(pid int) error

	// Config is the shared injection configuration; ReturnAddr is filled
	// per event.
	Config *tracee.BridgeConfig

	// Denylist decides which UIDs are in scope for umount scrubbing.
	Denylist UIDChecker

	// Tracker is the bootloop guard. Defaults to the standard window and
	// threshold when nil.
	Tracker *bootloop.Tracker

	// Resume delivers SIGCONT; overridable in tests. Defaults to kill(2).
	Resume func(pid int) error

	// MaxWorkers bounds the worker pool; DefaultMaxWorkers when zero.
	MaxWorkers int

	attached *attachMap
}

// Run consumes events until ctx is canceled, the channel closes, or the
// bootloop guard trips (returned as zlberr.ErrBootloopExceeded). All
// spawned workers are joined before returning.
func (r *Reactor) Run(ctx context.Context) error {
	if r.Tracker == nil {
		r.Tracker = bootloop.New(bootloop.DefaultWindow, bootloop.DefaultThreshold)
	}
	if r.Resume == nil {
		r.Resume = func(pid int) error { return unix.Kill(pid, unix.SIGCONT) }
	}
	r.attached = newAttachMap()

	workers := new(errgroup.Group)
	limit := r.MaxWorkers
	if limit <= 0 {
		limit = DefaultMaxWorkers
	}
	workers.SetLimit(limit)
	defer workers.Wait()

	for {
		rec, err := r.Source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, ringbuf.ErrClosed):
			return nil
		case errors.Is(err, zlberr.ErrChannelDecodeFailed):
			log.Errorf("reactor: %v", err)
			continue
		default:
			log.Errorf("reactor: read event: %v", err)
			continue
		}

		resumePid, err := r.handle(rec, workers)
		if err != nil {
			if errors.Is(err, zlberr.ErrBootloopExceeded) {
				return err
			}
			log.Errorf("reactor: handle %s(%d): %v", rec.Tag, rec.PID(), err)
		}

		// Deferred-resume discipline: the kernel stopped the child, this
		// end of the iteration continues it.
		if resumePid != 0 {
			r.resume(resumePid)
		}
	}
}

// handle processes one event; the returned pid, if nonzero, must be
// SIGCONT'd after the iteration.
func (r *Reactor) handle(rec event.Record, workers *errgroup.Group) (resumePid int, err error) {
	switch rec.Tag {
	case event.TagZygoteStarted:
		log.Infof("reactor: zygote (re)started: %d", rec.PID())

	case event.TagZygoteForked:
		log.Debugf("reactor: zygote forked: %d", rec.PID())

	case event.TagZygoteCrashed:
		log.Warningf("reactor: zygote crashed: %d", rec.PID())
		r.attached.sweep()
		if r.Tracker.Crashed(time.Now()) {
			return 0, fmt.Errorf("%w: %d crashes inside the window", zlberr.ErrBootloopExceeded, r.Tracker.Len())
		}

	case event.TagRequireUprobeAttach:
		pid := rec.PID()
		l, err := r.Attach(int(pid))
		if err != nil {
			// The child must not stay stranded on an attach failure; it
			// just continues unobserved.
			return int(pid), fmt.Errorf("attach uprobe: %w", err)
		}
		r.attached.insert(pid, l)
		return int(pid), nil

	case event.TagRequireInject:
		pid := rec.PID()
		if l, ok := r.attached.remove(pid); ok {
			if err := l.Close(); err != nil {
				log.Warningf("reactor: detach uprobe for %d: %v", pid, err)
			}
		} else {
			log.Warningf("reactor: uprobe fired for %d with no link on record", pid)
		}

		cfg := *r.Config
		cfg.ReturnAddr = rec.ReturnAddr()
		workers.Go(func() error {
			// Resumption is owned by the injection task: detach
			// implicitly continues the child.
			if err := r.Inject(int(pid), &cfg); err != nil {
				var tr *zlberr.Transient
				if errors.As(err, &tr) {
					log.Debugf("reactor: inject %d: %v", pid, err)
				} else {
					log.Errorf("reactor: inject %d: %v", pid, err)
				}
			}
			return nil
		})

	case event.TagRequireUmount:
		pid, uid := rec.PID(), rec.UID()
		if r.Denylist == nil || !r.Denylist.Check(uid) {
			log.Debugf("reactor: uid %d not in umount scope, resuming %d", uid, pid)
			return int(pid), nil
		}
		workers.Go(func() error {
			// The scrubber resumes the child on completion or error.
			if err := r.Scrub(int(pid)); err != nil {
				log.Errorf("reactor: scrub %d: %v", pid, err)
				r.resume(int(pid))
			}
			return nil
		})

	default:
		return 0, fmt.Errorf("%w: tag %d", zlberr.ErrChannelDecodeFailed, rec.Tag)
	}
	return 0, nil
}

func (r *Reactor) resume(pid int) {
	if err := r.Resume(pid); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Warningf("reactor: SIGCONT(%d): %v", pid, err)
	}
}

// AttachedCount reports the number of children currently holding a
// uprobe link, for diagnostics.
func (r *Reactor) AttachedCount() int {
	if r.attached == nil {
		return 0
	}
	return r.attached.len()
}
