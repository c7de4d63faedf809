// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSEWriter writes named Server-Sent Events to an HTTP response.
//
// # Description
//
// Wraps the SSE wire format (event: name\ndata: json\n\n) with immediate
// flushing so records reach the client as they happen. Every event payload
// is wrapped in an envelope carrying an id and a millisecond timestamp for
// client-side ordering and reconnect bookkeeping.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialised by a mutex.
type SSEWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// envelope is the uniform SSE payload wrapper.
type envelope struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Data      any    `json:"data,omitempty"`
}

// NewSSEWriter creates a writer over w, which must support http.Flusher.
// SSE headers are set here; nothing may have been written yet.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent emits one named event with the payload wrapped in the
// envelope, flushing immediately.
func (w *SSEWriter) WriteEvent(name string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(envelope{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteComment emits an SSE comment line. Clients ignore it; proxies and
// load balancers see traffic and keep the connection open.
func (w *SSEWriter) WriteComment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	w.flusher.Flush()
	return nil
}
