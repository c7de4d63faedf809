// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logbus delivers build output to any number of concurrent
// subscribers with bounded memory and per-subscriber backpressure.
//
// The bus keeps one stream per task. A stream owns a ring of the most
// recent records (late subscribers get a bounded replay) and a set of
// bounded subscriber channels. A publisher never blocks: when a
// subscriber's channel is full, that subscriber's oldest buffered record is
// dropped and its drop counter incremented, leaving every other subscriber
// untouched.
package logbus

import (
	"time"
)

// Level classifies a log record.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
	LevelDebug   Level = "debug"
)

// Record is one log bus entry.
//
// Sequence numbers are dense and strictly increasing per task. Heartbeat
// records carry no sequence number and exist only to keep transports
// honest; the terminal record has Final set and carries the task's final
// status.
type Record struct {
	// Seq is the per-task sequence number. Zero on heartbeats.
	Seq uint64 `json:"seq,omitempty"`

	// TaskID identifies the owning task.
	TaskID string `json:"task_id"`

	// Time is the publish time.
	Time time.Time `json:"time"`

	// Level classifies the record.
	Level Level `json:"level"`

	// Message is the record text.
	Message string `json:"message,omitempty"`

	// Source tags the producer ("gradle", "pipeline", ...). Optional.
	Source string `json:"source,omitempty"`

	// Progress is a 1..100 hint attached to milestone records. Zero means
	// no hint.
	Progress int `json:"progress,omitempty"`

	// Heartbeat marks keep-alive records.
	Heartbeat bool `json:"heartbeat,omitempty"`

	// Final marks the stream's terminal record.
	Final bool `json:"final,omitempty"`

	// Status carries the task's final status on the terminal record.
	Status string `json:"status,omitempty"`
}

// Config configures the Bus.
type Config struct {
	// RingSize is the per-task replay ring capacity. Default: 2000.
	RingSize int

	// SubscriberBuffer is the per-subscriber channel capacity. Default: 128.
	SubscriberBuffer int

	// HeartbeatInterval is the keep-alive period. Default: 15s.
	HeartbeatInterval time.Duration

	// TeardownGrace is how long a closed stream remains readable so
	// straggling subscribers can still fetch the replay. Default: 60s.
	TeardownGrace time.Duration
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.RingSize == 0 {
		c.RingSize = 2000
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 128
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.TeardownGrace == 0 {
		c.TeardownGrace = 60 * time.Second
	}
}
