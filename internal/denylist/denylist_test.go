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

package denylist

import (
	"path/filepath"
	"testing"
)

func TestStoreAddCheckRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "denylist.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Check(10123) {
		t.Fatalf("fresh store should not deny any uid")
	}
	if err := s.Add(10123); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Check(10123) {
		t.Fatalf("expected uid 10123 to be denied after Add")
	}
	if s.Check(10124) {
		t.Fatalf("unrelated uid should not be denied")
	}
	if err := s.Remove(10123); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Check(10123) {
		t.Fatalf("uid should no longer be denied after Remove")
	}
}

func TestNilStoreFailsOpen(t *testing.T) {
	var s *Store
	if !s.Check(1) {
		t.Fatalf("nil store must fail open (allow), matching the unconfigured denylist stub")
	}
}
