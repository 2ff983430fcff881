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

// Package log is the ambient leveled logger used throughout zlb. It wraps
// logrus with the call-site shape (Debugf/Infof/Warningf/Errorf) the Android
// platform log tag convention expects, and tags every line with a fixed
// component tag the way the platform logger does.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Tag is the fixed platform-log tag every line is emitted under.
const Tag = "zlb"

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   false,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetDebug raises the logger to debug level; used by cmd/zlbd's -v flag.
func SetDebug(on bool) {
	if on {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

func entry() *logrus.Entry {
	return std.WithField("tag", Tag)
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) { entry().Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { entry().Infof(format, args...) }

// Warningf logs at warning level.
func Warningf(format string, args ...any) { entry().Warningf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { entry().Errorf(format, args...) }

// Fatalf logs at fatal level and terminates the process with exit code 1.
// Reserved for the daemon's unrecoverable startup failures
// (TracerLoadFailed, TracepointAttachFailed).
func Fatalf(format string, args ...any) { entry().Fatalf(format, args...) }
