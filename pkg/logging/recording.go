// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"log/slog"
	"sync"
)

// Entry is one record captured by a RecordingHandler.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// RecordingHandler keeps every record in memory. It is meant for tests:
//
//	rec := logging.NewRecordingHandler(slog.LevelDebug)
//	eng := engine.New(engine.Options{Logger: slog.New(rec)})
//	...
//	assert.True(t, rec.Has("pattern skipped"))
type RecordingHandler struct {
	level slog.Leveler
	attrs []slog.Attr // keys already qualified by group
	group string
	store *entryStore
}

type entryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecordingHandler records records at level and above.
func NewRecordingHandler(level slog.Leveler) *RecordingHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &RecordingHandler{level: level, store: &entryStore{}}
}

func (h *RecordingHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *RecordingHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	h.store.mu.Lock()
	h.store.entries = append(h.store.entries, Entry{Level: r.Level, Message: r.Message, Attrs: attrs})
	h.store.mu.Unlock()
	return nil
}

func (h *RecordingHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *RecordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	return &c
}

func (h *RecordingHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.group = c.key(name)
	return &c
}

// Entries returns a copy of the captured records.
func (h *RecordingHandler) Entries() []Entry {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return append([]Entry(nil), h.store.entries...)
}

// Has reports whether a record with message msg was captured.
func (h *RecordingHandler) Has(msg string) bool {
	for _, e := range h.Entries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
