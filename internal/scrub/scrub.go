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

// Package scrub implements the mount-namespace scrubber (spec.md §4.7):
// after a forked zygote child successfully calls unshare(2), a disposable
// worker joins its mount namespace and lazily detaches module-related
// mounts before resuming the child.
//
// The original implementation double-forks a genuinely single-threaded
// worker, so its setns and umount calls run on the only thread and the
// grandchild orphans to init. A bare fork() is unsafe from a
// multi-threaded Go runtime (goroutines/threads may be mid-syscall
// across the fork), so this package instead re-executes the daemon's own
// binary as a detached session leader (SysProcAttr.Setsid), the same
// self-reexec idiom the teacher's runsc uses to spin up an isolated
// sandbox process. The worker stays a direct child of the daemon, so a
// background Wait reaps it; inside the worker, the namespace-switching
// thread is pinned with LockOSThread for the process's whole (short)
// lifetime, since setns(2) only affects the calling thread.
package scrub

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/riftzyg/zlb/internal/config"
	"github.com/riftzyg/zlb/pkg/log"
	"github.com/riftzyg/zlb/pkg/zlberr"
	"golang.org/x/sys/unix"
)

// WorkerArg is the hidden subcommand cmd/zlbd recognizes to re-exec into
// RunWorker instead of the normal daemon entrypoint.
const WorkerArg = "__scrub_worker"

// Spawn launches a detached scrub worker for pid via re-exec of selfExe.
// It does not block on the worker; the worker SIGCONTs pid itself when
// done. The worker remains a child of the daemon, so a background Wait
// reaps it the moment it exits.
func Spawn(selfExe string, pid int) error {
	cmd := exec.Command(selfExe, WorkerArg, fmt.Sprint(pid))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("scrub: spawn worker for pid %d: %w", pid, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warningf("scrub: worker for pid %d: %v", pid, err)
		}
	}()
	return nil
}

// RunWorker is the grandchild-equivalent body: join pid's mount
// namespace, detach module mounts per the configured root-implementation
// policy, and resume pid. It always attempts the final SIGCONT, even on
// error, so a child is never stranded.
func RunWorker(pid int) error {
	err := scrubOne(pid)
	if err != nil {
		log.Errorf("scrub: pid %d: %v", pid, err)
	}

	if kerr := unix.Kill(pid, unix.SIGCONT); kerr != nil && kerr != unix.ESRCH {
		log.Warningf("scrub: SIGCONT(%d): %v", pid, kerr)
	}
	return err
}

func scrubOne(pid int) error {
	nsFile, err := os.Open(fmt.Sprintf("/proc/%d/ns/mnt", pid))
	if err != nil {
		return fmt.Errorf("%w: open ns/mnt: %v", zlberr.ErrMountNamespaceJoinFailed, err)
	}
	defer nsFile.Close()

	// setns(2) switches the calling thread only; pin this goroutine to
	// its thread for the rest of the worker's life so the mountinfo read
	// and every unmount below stay inside the target's namespace. Never
	// unlocked: the process exits right after.
	runtime.LockOSThread()

	if err := unix.Setns(int(nsFile.Fd()), unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("%w: setns: %v", zlberr.ErrMountNamespaceJoinFailed, err)
	}

	self, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return fmt.Errorf("scrub: open self mountinfo: %w", err)
	}
	defer self.Close()

	mounts, err := parseMountinfo(self)
	if err != nil {
		return err
	}

	var targets []string
	switch config.DetectRootImpl() {
	case config.KernelSU:
		targets = kernelSUDetachSet(mounts)
	default:
		targets = magiskDetachSet(mounts)
	}

	log.Debugf("scrub: pid %d: %d mounts to detach", pid, len(targets))

	// Detach in reverse mount order (the policy functions return targets
	// in mountinfo's chronological table order) so a mount stacked on top
	// of another target is removed before its parent.
	for i, j := 0, len(targets)-1; i < j; i, j = i+1, j-1 {
		targets[i], targets[j] = targets[j], targets[i]
	}
	for _, mp := range targets {
		if err := unix.Unmount(mp, unix.MNT_DETACH); err != nil {
			log.Warningf("scrub: pid %d: umount2(%s, MNT_DETACH): %v", pid, mp, err)
		}
	}
	return nil
}
