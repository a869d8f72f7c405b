// Copyright 2025 The frontwatch authors
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

package storage

import (
	"fmt"
	"log/slog"
	"strings"
)

// badgerLogger adapts a slog.Logger to badger's Logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{
		logger: logger.With("component", "storage"),
	}
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(badgerLogMessage(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(badgerLogMessage(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Info(badgerLogMessage(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(badgerLogMessage(format, args...))
}

// badger appends its own newlines, which don't belong in structured logs
func badgerLogMessage(format string, args ...any) string {
	return strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
}
