// Copyright 2025 The svchttp Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conn

import (
	"io"

	"go.uber.org/zap"
)

// WireLog wraps a transport so every read and write is logged at Debug
// level. It is a diagnostics aid; the logged payloads are raw wire bytes.
func WireLog(rw io.ReadWriter, logger *zap.Logger) io.ReadWriter {
	return &wireLogger{rw: rw, logger: logger}
}

type wireLogger struct {
	rw     io.ReadWriter
	logger *zap.Logger
}

func (w *wireLogger) Read(p []byte) (int, error) {
	n, err := w.rw.Read(p)
	if n > 0 {
		w.logger.Debug("wire read", zap.Int("bytes", n), zap.Binary("data", p[:n]))
	}
	if err != nil {
		w.logger.Debug("wire read error", zap.Error(err))
	}
	return n, err
}

func (w *wireLogger) Write(p []byte) (int, error) {
	n, err := w.rw.Write(p)
	if n > 0 {
		w.logger.Debug("wire write", zap.Int("bytes", n), zap.Binary("data", p[:n]))
	}
	if err != nil {
		w.logger.Debug("wire write error", zap.Error(err))
	}
	return n, err
}
