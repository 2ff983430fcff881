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

package tracee

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// JNINativeInterface function-table slots, as fixed by the JNI spec for
// 64-bit pointers: index * 8.
const (
	jniGetStringUTFCharsOffset     = 169 * 8
	jniReleaseStringUTFCharsOffset = 170 * 8
)

// ReadCString reads a NUL-terminated string from the target one word at
// a time.
func (t *Tracee) ReadCString(addr uint64) (string, error) {
	var buf []byte
	for ptr := addr; ; ptr += 8 {
		word, err := t.PeekWord(ptr)
		if err != nil {
			return "", err
		}
		var chunk [8]byte
		binary.LittleEndian.PutUint64(chunk[:], word)
		for _, b := range chunk {
			if b == 0 {
				if !utf8.Valid(buf) {
					return "", fmt.Errorf("tracee: string at %d@0x%x is not UTF-8", t.pid, addr)
				}
				return string(buf), nil
			}
			buf = append(buf, b)
		}
	}
}

// ReadJString reads a Java string from the target through remote JNI
// calls: GetStringUTFChars, copy out, ReleaseStringUTFChars. env and
// jstring are target-side pointers taken from the specialization
// arguments.
func (t *Tracee) ReadJString(env, jstring uint64) (string, error) {
	functions, err := t.PeekWord(env)
	if err != nil {
		return "", err
	}
	getChars, err := t.PeekWord(functions + jniGetStringUTFCharsOffset)
	if err != nil {
		return "", err
	}
	releaseChars, err := t.PeekWord(functions + jniReleaseStringUTFCharsOffset)
	if err != nil {
		return "", err
	}

	ptr, err := t.Call(nil, getChars, []uint64{env, jstring, 0})
	if err != nil {
		return "", fmt.Errorf("tracee: remote GetStringUTFChars: %w", err)
	}
	if ptr == 0 {
		return "", fmt.Errorf("tracee: GetStringUTFChars returned null in %d", t.pid)
	}

	s, err := t.ReadCString(ptr)
	if err != nil {
		return "", err
	}

	if _, err := t.Call(nil, releaseChars, []uint64{env, jstring, ptr}); err != nil {
		return "", fmt.Errorf("tracee: remote ReleaseStringUTFChars: %w", err)
	}
	return s, nil
}
