// Copyright 2018 Google LLC
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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// pid is used for the threadid component of the header. The glog package
// logger pads it to 7 columns.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChar returns the single glog character for the level.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// formatHeader appends the glog line header to b.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func formatHeader(b []byte, depth int, level Level, timestamp time.Time) []byte {
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b = append(b, levelChar(level))
	b = fmt.Appendf(b, "%02d%02d %02d:%02d:%02d.%06d %s ",
		int(month), day, hour, minute, second, timestamp.Nanosecond()/1000, pid)

	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		file, line = f, l
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
	}
	return fmt.Appendf(b, "%s:%d] ", file, line)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 256)
	b = formatHeader(b, depth+1, level, timestamp)
	b = fmt.Appendf(b, format, args...)
	b = append(b, '\n')
	g.Writer.Write(b)
}
