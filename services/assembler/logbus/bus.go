// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AssembleLocal/services/assembler/telemetry"
)

// Bus is the process-wide map from task id to stream.
//
// # Thread Safety
//
// Safe for concurrent use. The pipeline is the expected sole publisher per
// task; subscribers may come and go freely.
type Bus struct {
	config  Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	streams map[string]*stream
}

// stream carries one task's records.
type stream struct {
	taskID string

	mu      sync.Mutex
	ring    []Record // circular, capacity config.RingSize
	start   int      // index of oldest record in ring
	nextSeq uint64
	subs    map[*Subscription]struct{}
	closed  bool

	stopHeartbeat chan struct{}
}

// Subscription is one subscriber's cursor into a stream.
type Subscription struct {
	// C yields records in publish order: the replay first, then live
	// records. The channel closes when the stream closes or the
	// subscriber's context is cancelled.
	C <-chan Record

	ch        chan Record
	dropped   atomic.Uint64
	closeOnce sync.Once
	detach    func()
}

// Dropped returns how many records this subscriber lost to backpressure.
// Heartbeats are never counted.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription. Idempotent; the channel is closed.
func (s *Subscription) Cancel() { s.detach() }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// New creates a Bus.
func New(config Config, logger *slog.Logger, metrics *telemetry.Metrics) *Bus {
	config.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		config:  config,
		logger:  logger.With(slog.String("component", "logbus")),
		metrics: metrics,
		streams: make(map[string]*stream),
	}
}

// Publish assigns the next sequence number, appends to the ring, and fans
// the record out. Never blocks; a full subscriber loses its own oldest
// buffered record, other subscribers are unaffected. Publishing to a closed
// stream is a no-op.
func (b *Bus) Publish(taskID string, rec Record) {
	st := b.getOrCreate(taskID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	st.nextSeq++
	rec.Seq = st.nextSeq
	rec.TaskID = taskID
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	st.appendLocked(rec)
	b.fanoutLocked(st, rec, true)

	if b.metrics != nil {
		b.metrics.LogRecordsPublished.Inc()
	}
}

// Subscribe returns a cursor that yields up to replay recent records from
// the ring (the most recent ones, in order) followed by live records.
//
// The subscription ends when ctx is cancelled, Cancel is called, or Close
// is called for the task. A record published before
// Subscribe is visible in the replay iff it is still in the ring.
func (b *Bus) Subscribe(ctx context.Context, taskID string, replay int) *Subscription {
	st := b.getOrCreate(taskID)

	st.mu.Lock()
	replayRecords := st.tailLocked(replay)

	// Size the channel so the whole replay fits ahead of the live buffer.
	ch := make(chan Record, len(replayRecords)+b.config.SubscriberBuffer)
	sub := &Subscription{ch: ch}
	sub.C = ch
	sub.detach = func() {
		st.mu.Lock()
		_, present := st.subs[sub]
		delete(st.subs, sub)
		st.mu.Unlock()
		if present {
			sub.close()
			if b.metrics != nil {
				b.metrics.LogSubscribers.Dec()
			}
		}
	}

	for _, rec := range replayRecords {
		ch <- rec
	}

	if st.closed {
		// Replay-only subscription on a closing stream.
		st.mu.Unlock()
		sub.close()
		return sub
	}

	st.subs[sub] = struct{}{}
	st.mu.Unlock()

	if b.metrics != nil {
		b.metrics.LogSubscribers.Inc()
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Cancel()
		}()
	}
	return sub
}

// Close emits the terminal record carrying the task's final status, closes
// all subscriber channels, and schedules stream teardown after the grace
// period. Idempotent.
func (b *Bus) Close(taskID string, finalStatus string) {
	b.mu.Lock()
	st, ok := b.streams[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}

	st.nextSeq++
	final := Record{
		Seq:     st.nextSeq,
		TaskID:  taskID,
		Time:    time.Now().UTC(),
		Level:   LevelInfo,
		Message: "task finished",
		Final:   true,
		Status:  finalStatus,
	}
	st.appendLocked(final)
	b.fanoutLocked(st, final, true)

	st.closed = true
	close(st.stopHeartbeat)
	for sub := range st.subs {
		delete(st.subs, sub)
		sub.close()
		if b.metrics != nil {
			b.metrics.LogSubscribers.Dec()
		}
	}
	st.mu.Unlock()

	b.logger.Debug("stream closed",
		slog.String("task_id", taskID),
		slog.String("final_status", finalStatus))

	time.AfterFunc(b.config.TeardownGrace, func() {
		b.mu.Lock()
		if current, ok := b.streams[taskID]; ok && current == st {
			delete(b.streams, taskID)
		}
		b.mu.Unlock()
	})
}

// getOrCreate returns the task's stream, creating it (and its heartbeat
// loop) on first touch.
func (b *Bus) getOrCreate(taskID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.streams[taskID]; ok {
		return st
	}
	st := &stream{
		taskID:        taskID,
		ring:          make([]Record, 0, b.config.RingSize),
		subs:          make(map[*Subscription]struct{}),
		stopHeartbeat: make(chan struct{}),
	}
	b.streams[taskID] = st
	go b.heartbeatLoop(st)
	return st
}

// heartbeatLoop sends periodic keep-alive records to live subscribers.
// Heartbeats skip the ring, carry no sequence number, and are silently
// skipped for full subscribers.
func (b *Bus) heartbeatLoop(st *stream) {
	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := Record{
				TaskID:    st.taskID,
				Time:      time.Now().UTC(),
				Level:     LevelDebug,
				Heartbeat: true,
			}
			st.mu.Lock()
			if st.closed {
				st.mu.Unlock()
				return
			}
			b.fanoutLocked(st, hb, false)
			st.mu.Unlock()

		case <-st.stopHeartbeat:
			return
		}
	}
}

// fanoutLocked delivers rec to every subscriber. countDrops controls
// whether a forced eviction increments the subscriber's drop counter
// (heartbeats do not count).
func (b *Bus) fanoutLocked(st *stream, rec Record, countDrops bool) {
	for sub := range st.subs {
		select {
		case sub.ch <- rec:
			continue
		default:
		}

		if !countDrops {
			// Heartbeats are disposable; never evict data for them.
			continue
		}

		// Evict the subscriber's oldest buffered record to make room.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- rec:
		default:
			// Still full: a concurrent producer raced us. Count the loss.
		}
		sub.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.LogRecordsDropped.Inc()
		}
	}
}

// appendLocked adds rec to the circular ring, evicting the oldest record
// when the ring is at capacity.
func (st *stream) appendLocked(rec Record) {
	if len(st.ring) < cap(st.ring) {
		st.ring = append(st.ring, rec)
		return
	}
	st.ring[st.start] = rec
	st.start = (st.start + 1) % len(st.ring)
}

// tailLocked returns the most recent n records in publish order.
func (st *stream) tailLocked(n int) []Record {
	size := len(st.ring)
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Record, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, st.ring[(st.start+i)%size])
	}
	return out
}
