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

package symbols

import "testing"

func TestCountArgs(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"_ZN1C1fEiiP3Bar", 3},
		{"_ZN1C1fEv", 0},
		{"foo(a, b, c)", 3},
		{"foo()", 0},
		// Anonymous-namespace qualification must not be mistaken for the
		// parameter list.
		{"_ZN12_GLOBAL__N_116SpecializeCommonEP7_JNIEnvjj", 3},
	}
	for _, tc := range tests {
		got, err := CountArgs(tc.name)
		if err != nil {
			t.Errorf("CountArgs(%q): %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("CountArgs(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestCountArgsSpecializeCommon(t *testing.T) {
	// The full SDK 31 mangled name of the production uprobe target, which
	// is resolved by a shorter prefix. Its demangled form has 20
	// parameters, matching the SDK 31 SpecializeArgs slot count; on an
	// SDK 35 device the resolved symbol carries two more.
	const sym = "_ZN12_GLOBAL__N_116SpecializeCommonEP7_JNIEnvjjP10_jintArrayiP13_jobjectArraylliP8_jstringS7_bbS7_S7_bS5_S5_bb"
	got, err := CountArgs(sym)
	if err != nil {
		t.Fatalf("CountArgs: %v", err)
	}
	if got != 20 {
		t.Fatalf("CountArgs(SpecializeCommon) = %d, want 20", got)
	}
}

func TestCountArgsNoParameterList(t *testing.T) {
	if _, err := CountArgs("not_a_function_at_all"); err == nil {
		t.Fatal("CountArgs on a name with no parameter list should fail")
	}
}

func TestParameterList(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"C::f(int, int, Bar*)", "int, int, Bar*"},
		{"(anonymous namespace)::f(int)", "int"},
		{"f(void (*)(int), char)", "void (*)(int), char"},
		{"C::f()", ""},
	}
	for _, tc := range tests {
		got, err := parameterList(tc.text)
		if err != nil {
			t.Errorf("parameterList(%q): %v", tc.text, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parameterList(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}
