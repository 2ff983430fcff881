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

// Package zlberr collects the error taxonomy shared by every component, so
// the reactor can classify a failure by errors.Is/errors.As without each
// package inventing its own sentinel set.
package zlberr

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	ErrTracerLoadFailed         = errors.New("zlberr: tracer load failed")
	ErrTracepointAttachFailed   = errors.New("zlberr: tracepoint attach failed")
	ErrSymbolNotFound           = errors.New("zlberr: symbol not found")
	ErrRemotePtraceFailed       = errors.New("zlberr: remote ptrace operation failed")
	ErrBridgeExportMissing      = errors.New("zlberr: bridge export missing")
	ErrFilterLibraryLoadFailed  = errors.New("zlberr: filter library load failed")
	ErrMountNamespaceJoinFailed = errors.New("zlberr: mount namespace join failed")
	ErrBootloopExceeded         = errors.New("zlberr: bootloop threshold exceeded")
	ErrChannelDecodeFailed      = errors.New("zlberr: event channel decode failed")
)

// Transient wraps ESRCH/EINTR style errors that the caller is expected to
// retry once (EINTR) or silently drop (ESRCH on signal delivery to an
// already-exited child).
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("zlberr: transient error in %s: %v", e.Op, e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// RemoteCallFailed is returned when a remote function call in a traced child
// resumes at a program counter other than the expected sentinel return
// address.
type RemoteCallFailed struct {
	ExpectedReturn uint64
	ObservedPC     uint64
}

func (e *RemoteCallFailed) Error() string {
	return fmt.Sprintf("zlberr: remote call returned to 0x%x, expected 0x%x", e.ObservedPC, e.ExpectedReturn)
}

// RemoteDlopenFailed is returned when a remote dlopen call in the target
// returns a null handle; Message is the target's dlerror() string.
type RemoteDlopenFailed struct {
	Message string
}

func (e *RemoteDlopenFailed) Error() string {
	return fmt.Sprintf("zlberr: remote dlopen failed: %s", e.Message)
}
