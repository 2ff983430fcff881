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

// zlbd is the zygote-injection loader daemon: it loads the kernel
// tracer, watches the zygote, and injects the given bridge library into
// every freshly forked child before specialization.
//
// Usage:
//
//	zlbd [OPTIONS] <bridge-library-path>
//
// Exit codes: 0 on graceful shutdown, 2 when the bootloop guard trips
// (the supervisor must not restart until operator intervention), 1 on
// any other unrecoverable error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	flags "github.com/jessevdk/go-flags"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/riftzyg/zlb/internal/config"
	"github.com/riftzyg/zlb/internal/denylist"
	"github.com/riftzyg/zlb/internal/filterabi"
	"github.com/riftzyg/zlb/internal/kerneltracer"
	"github.com/riftzyg/zlb/internal/reactor"
	"github.com/riftzyg/zlb/internal/scrub"
	"github.com/riftzyg/zlb/internal/tracee"
	"github.com/riftzyg/zlb/pkg/event"
	"github.com/riftzyg/zlb/pkg/log"
	"github.com/riftzyg/zlb/pkg/specargs"
	"github.com/riftzyg/zlb/pkg/zlberr"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitBootloop = 2
)

type options struct {
	Verbose  bool   `short:"v" long:"verbose" description:"Enable debug logging"`
	Filter   string `long:"filter" value-name:"PATH" description:"Filter library consulted per child before injection"`
	Tracer   string `long:"tracer" value-name:"PATH" default:"/data/adb/zlb/tracer.bpf.o" description:"Compiled BPF tracer object"`
	Denylist string `long:"denylist" value-name:"PATH" default:"/data/adb/zlb/denylist.db" description:"UID denylist database gating the umount scrubber"`
	Lock     string `long:"lock" value-name:"PATH" default:"/data/adb/zlb/zlbd.lock" description:"Single-instance lock file"`
	SDK      int    `long:"sdk" value-name:"N" description:"Android SDK version override (default: ro.build.version.sdk)"`

	Args struct {
		Bridge string `positional-arg-name:"bridge-library-path" required:"yes" description:"Bridge shared object to inject"`
	} `positional-args:"yes"`
}

func main() {
	// Hidden re-exec entrypoint for the detached umount worker.
	if len(os.Args) >= 3 && os.Args[1] == scrub.WorkerArg {
		pid, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Errorf("zlbd: bad scrub worker pid %q: %v", os.Args[2], err)
			os.Exit(exitFailure)
		}
		if scrub.RunWorker(pid) != nil {
			os.Exit(exitFailure)
		}
		os.Exit(exitOK)
	}

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(exitOK)
		}
		os.Exit(exitFailure)
	}

	log.SetDebug(opts.Verbose)
	os.Exit(run(&opts))
}

func run(opts *options) int {
	if err := checkCapabilities(); err != nil {
		log.Errorf("zlbd: %v", err)
		return exitFailure
	}

	lock := flock.New(opts.Lock)
	held, err := lock.TryLock()
	if err != nil {
		log.Errorf("zlbd: acquire %s: %v", opts.Lock, err)
		return exitFailure
	}
	if !held {
		log.Errorf("zlbd: another instance holds %s", opts.Lock)
		return exitFailure
	}
	defer lock.Unlock()

	sdk := opts.SDK
	if sdk == 0 {
		if sdk, err = config.DetectSDK(); err != nil {
			log.Errorf("zlbd: %v", err)
			return exitFailure
		}
	}
	if _, err := specargs.SDK(sdk).Length(); err != nil {
		// Unsupported SDKs are a fatal misconfiguration.
		log.Errorf("zlbd: %v", err)
		return exitFailure
	}
	log.Infof("zlbd: target SDK %d, umount policy %s", sdk, config.DetectRootImpl())

	var filter *filterabi.Filter
	if opts.Filter != "" {
		if filter, err = filterabi.Load(opts.Filter); err != nil {
			log.Errorf("zlbd: %v", err)
			return exitFailure
		}
		log.Infof("zlbd: loaded filter %s", opts.Filter)
	}

	var uids *denylist.Store
	if opts.Denylist != "" {
		if uids, err = denylist.Open(opts.Denylist); err != nil {
			// The scrubber fails open without a store; injection is
			// unaffected.
			log.Warningf("zlbd: %v", err)
		} else {
			defer uids.Close()
		}
	}

	// During early boot the daemon can be started before the system
	// partitions (and our own module files) are fully mounted.
	if err := waitForFiles(opts.Tracer, kerneltracer.DefaultRuntimeLib, opts.Args.Bridge); err != nil {
		log.Errorf("zlbd: %v", err)
		return exitFailure
	}

	tracer, err := kerneltracer.Load(kerneltracer.Options{ObjectPath: opts.Tracer})
	if err != nil {
		log.Errorf("zlbd: %v", err)
		return exitFailure
	}
	defer tracer.Close()

	channel, err := event.Open(tracer.EventMap())
	if err != nil {
		log.Errorf("zlbd: %v", err)
		return exitFailure
	}
	defer channel.Close()

	selfExe, err := os.Executable()
	if err != nil {
		log.Errorf("zlbd: locate own executable: %v", err)
		return exitFailure
	}

	r := &reactor.Reactor{
		Source: channel,
		Attach: func(pid int) (io.Closer, error) {
			l, err := tracer.AttachUprobe(pid)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
		Inject: tracee.Inject,
		Scrub:  func(pid int) error { return scrub.Spawn(selfExe, pid) },
		Config: &tracee.BridgeConfig{
			Library:   opts.Args.Bridge,
			Filter:    filter,
			ArgsCount: tracer.ArgsCount(),
			SDK:       specargs.SDK(sdk),
		},
		Denylist: uids,
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	log.Infof("zlbd: watching for zygote, bridge %s", opts.Args.Bridge)
	err = r.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Infof("zlbd: shutting down")
		return exitOK
	case errors.Is(err, zlberr.ErrBootloopExceeded):
		log.Errorf("zlbd: %v; refusing to continue", err)
		return exitBootloop
	default:
		log.Errorf("zlbd: %v", err)
		return exitFailure
	}
}

// checkCapabilities verifies the effective capabilities the control
// plane cannot work without: ptrace for the engine, sys_admin for the
// tracer and namespace joins.
func checkCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("read own capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("load own capabilities: %w", err)
	}
	for _, c := range []capability.Cap{capability.CAP_SYS_PTRACE, capability.CAP_SYS_ADMIN} {
		if !caps.Get(capability.EFFECTIVE, c) {
			return fmt.Errorf("missing capability %s; run as root", c)
		}
	}
	return nil
}

// waitForFiles blocks until every path exists, with exponential backoff
// bounded to the early-boot window.
func waitForFiles(paths ...string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("waiting for %s: %w", p, err)
			}
		}
		return nil
	}, b)
}
