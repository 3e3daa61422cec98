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

package journal

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fwdhub/fwdd/internal/log"
)

// Handler tees slog records into the journal while delegating to the
// primary handler. Journal write failures never block or fail logging.
type Handler struct {
	next    slog.Handler
	journal *Journal
	attrs   []slog.Attr
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler wraps next so every record it accepts is also journaled.
func NewHandler(next slog.Handler, j *Journal) *Handler {
	return &Handler{next: next, journal: j}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
	}

	fields := make(map[string]any)
	collect := func(a slog.Attr) {
		if a.Key == log.ComponentKey {
			e.Component = a.Value.String()
			return
		}
		fields[a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	if len(fields) > 0 {
		if raw, err := json.Marshal(fields); err == nil {
			e.Attrs = string(raw)
		}
	}

	// Best effort: a full disk must not take logging down with it.
	_ = h.journal.Append(context.WithoutCancel(ctx), e)

	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{next: h.next.WithAttrs(attrs), journal: h.journal, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), journal: h.journal, attrs: h.attrs}
}
