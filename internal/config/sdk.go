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

package config

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DetectSDK reads the device's Android SDK version from the system
// property ro.build.version.sdk. The property service has no direct
// syscall surface; getprop is the stable query interface.
func DetectSDK() (int, error) {
	out, err := exec.Command("getprop", "ro.build.version.sdk").Output()
	if err != nil {
		return 0, fmt.Errorf("config: query ro.build.version.sdk: %w", err)
	}
	sdk, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("config: parse ro.build.version.sdk %q: %w", strings.TrimSpace(string(out)), err)
	}
	return sdk, nil
}
