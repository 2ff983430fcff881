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

package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
)

// Channel is the single-producer (kernel), single-consumer (reactor) event
// stream. It wraps a ringbuf.Reader over the BPF_MAP_TYPE_RINGBUF map the
// kernel tracer writes into, exposing it as a readable source the reactor
// parks on between iterations.
type Channel struct {
	rd *ringbuf.Reader
}

// Open wraps the given eBPF ring-buffer map (EVENT_CHANNEL) as a Channel.
func Open(m *ebpf.Map) (*Channel, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("event: open ring buffer: %w", err)
	}
	return &Channel{rd: rd}, nil
}

// Next blocks until a record is available, ctx is canceled, or the channel
// is closed. A decode failure on one record is surfaced to the caller but
// does not close the channel — the next call to Next keeps reading.
func (c *Channel) Next(ctx context.Context) (Record, error) {
	done := make(chan struct{})
	var rec ringbuf.Record
	var err error
	go func() {
		rec, err = c.rd.Read()
		close(done)
	}()

	select {
	case <-ctx.Done():
		// Unblock the reader goroutine so it doesn't leak; the reader will
		// return ErrClosed on its next Read call to whoever owns it.
		_ = c.rd.Close()
		<-done
		return Record{}, ctx.Err()
	case <-done:
	}

	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("event: read ring buffer: %w", err)
	}
	return Decode(rec.RawSample)
}

// Close releases the underlying ring-buffer reader.
func (c *Channel) Close() error {
	return c.rd.Close()
}
