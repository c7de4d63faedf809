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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
	"github.com/AleutianAI/AssembleLocal/services/assembler/task"
)

// defaultReplay is how many recent records a new stream receives.
const defaultReplay = 200

// StreamTaskLogs serves the task's live log stream over SSE.
//
// Event names: connected (once), log (per record), status and completed
// (terminal transition; completed carries final=true), heartbeat
// (periodic), limit_reached (once, when this subscriber's drop count
// crosses the limit), error (or timeout, when the task failed with kind
// Timeout). Event order matches the log bus subscription
// order; disconnecting only detaches this subscriber.
func StreamTaskLogs(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		current, err := deps.Runtime.Get(id)
		if err != nil {
			if stored, storeErr := deps.Store.GetTask(c.Request.Context(), id); storeErr == nil {
				current = stored
			} else {
				respondError(c, err)
				return
			}
		}

		replay := defaultReplay
		if raw := c.Query("replay"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
				replay = parsed
			}
		}

		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.String(http.StatusInternalServerError, "streaming not supported")
			return
		}

		ctx := c.Request.Context()
		sub := deps.Bus.Subscribe(ctx, id, replay)
		defer sub.Cancel()

		_ = writer.WriteEvent("connected", gin.H{
			"task_id": id,
			"status":  current.Status,
		})

		// A task already terminal before the stream opened still yields its
		// replay; the final record inside it carries the status events.
		limitReported := false
		for {
			select {
			case rec, ok := <-sub.C:
				if !ok {
					// Stream closed. If the task finished while we streamed,
					// the final record already carried the terminal events.
					return
				}

				if rec.Heartbeat {
					if writer.WriteEvent("heartbeat", nil) != nil {
						return
					}
					continue
				}

				if writer.WriteEvent("log", rec) != nil {
					return
				}

				if rec.Final {
					_ = writer.WriteEvent("status", gin.H{"status": rec.Status})
					_ = writer.WriteEvent("completed", gin.H{
						"final":  true,
						"status": rec.Status,
					})
					if rec.Status != string(task.StatusCompleted) {
						if latest, err := deps.Runtime.Get(id); err == nil && latest.Error != "" {
							event := "error"
							if latest.ErrorKind == string(faults.KindTimeout) {
								event = "timeout"
							}
							_ = writer.WriteEvent(event, gin.H{
								"kind":    latest.ErrorKind,
								"message": latest.Error,
							})
						}
					}
					return
				}

				if !limitReported && deps.DropLimit > 0 && sub.Dropped() > deps.DropLimit {
					limitReported = true
					if writer.WriteEvent("limit_reached", gin.H{
						"dropped": sub.Dropped(),
					}) != nil {
						return
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}
}
