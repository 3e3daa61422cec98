// Copyright 2025 The fwdd Authors
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

package state

import (
	"context"
	"time"

	"github.com/fwdhub/fwdd/internal/log"
	"github.com/fwdhub/fwdd/internal/metrics"
)

// RunPersistLoop writes the state file every interval until ctx is
// cancelled, then performs one final synchronous persist. Persistence
// failures are logged and counted, never fatal: the in-memory state stays
// authoritative.
func (s *Store) RunPersistLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort shutdown persist.
			if err := s.Persist(); err != nil {
				s.logger.Error("shutdown persist failed", log.Error(err))
				metrics.RecordPersistenceError("shutdown")
			}
			return
		case <-ticker.C:
			if err := s.Persist(); err != nil {
				s.logger.Error("periodic persist failed", log.Error(err))
				metrics.RecordPersistenceError("persist_loop")
			}
		}
	}
}
