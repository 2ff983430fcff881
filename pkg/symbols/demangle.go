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

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// CountArgs returns the arity of a C++ symbol by demangling it and
// counting the top-level commas inside its parameter list: commas+1, or 0
// when the list is empty. A name the demangler does not recognize is
// treated as already-demangled text (e.g. "foo(a, b, c)").
func CountArgs(mangledName string) (int, error) {
	// Filter returns the input unchanged when the name isn't a mangled
	// C++ symbol, which is exactly the already-demangled fallback we want.
	text := demangle.Filter(mangledName)

	params, err := parameterList(text)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(params) == "" {
		return 0, nil
	}

	commas := 0
	parenDepth, angleDepth := 0, 0
	for _, c := range params {
		switch c {
		case '(':
			parenDepth++
		case ')':
			parenDepth--
		case '<':
			angleDepth++
		case '>':
			angleDepth--
		case ',':
			if parenDepth == 0 && angleDepth == 0 {
				commas++
			}
		}
	}
	return commas + 1, nil
}

// parameterList extracts the contents of the outermost parameter list:
// the parenthesized group closed by the last ')' in the demangled text.
// Anchoring on the last ')' rather than the first '(' keeps qualified
// names like "(anonymous namespace)::f(int)" from matching the namespace
// parens.
func parameterList(text string) (string, error) {
	end := strings.LastIndexByte(text, ')')
	if end < 0 {
		return "", fmt.Errorf("symbols: %q has no parameter list", text)
	}
	depth := 0
	for i := end; i >= 0; i-- {
		switch text[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				return text[i+1 : end], nil
			}
		}
	}
	return "", fmt.Errorf("symbols: unbalanced parentheses in %q", text)
}
