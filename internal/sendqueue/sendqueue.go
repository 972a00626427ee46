// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_sendqueue

import (
	"sync"
	"time"

	"github.com/rapidaai/media-bridge/pkg/commons"
)

// Batching and bounding constants for the upstream audio path.
const (
	MinBatchBytes     = 3200             // do not ship dribbles below this unless flushing
	MaxBatchBytes     = 16000            // upper bound for one concatenated frame
	MaxQueueBytes     = 2 * 1024 * 1024  // drop-oldest beyond this
	MaxBatchesPerTurn = 8                // cooperative yield after this many sends
	MaxTurnSlice      = 10 * time.Millisecond
)

// Sender ships frames to the upstream link.
type Sender interface {
	SendBinary(p []byte) error
	SendText(p []byte) error
}

// Queue is a bounded ordered byte queue with a cooperative batching drain.
// Entries are shipped upstream strictly in enqueue order; the finalize and
// close-stream control messages are only sent once the queue is empty, so
// they always follow every previously enqueued buffer.
type Queue struct {
	mu          sync.Mutex
	logger      commons.Logger
	ensure      func() Sender // nil when the upstream is not open
	entries     [][]byte
	queuedBytes int
	draining    bool

	pendingFinalize bool
	pendingClose    bool
	finalizeMsg     []byte
	closeMsg        []byte

	// Invoked (outside the queue lock) after the corresponding control
	// message has been written upstream.
	OnFinalizeSent func()
	OnCloseSent    func()
}

// New builds a queue. ensure must return the open upstream sender or nil;
// it may block to establish the connection (the deduped connector makes
// concurrent calls safe). finalizeMsg / closeMsg are the control payloads
// shipped after a full drain.
func New(logger commons.Logger, ensure func() Sender, finalizeMsg, closeMsg []byte) *Queue {
	return &Queue{
		logger:      logger,
		ensure:      ensure,
		finalizeMsg: finalizeMsg,
		closeMsg:    closeMsg,
	}
}

// Enqueue appends a buffer and nudges the drain. While the byte accounting
// exceeds MaxQueueBytes the oldest entries are dropped and logged.
func (q *Queue) Enqueue(buf []byte) {
	if len(buf) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, buf)
	q.queuedBytes += len(buf)
	for q.queuedBytes > MaxQueueBytes && len(q.entries) > 0 {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		q.queuedBytes -= len(dropped)
		q.logger.Warnw("Send queue overflow, dropping oldest entry",
			"droppedBytes", len(dropped), "queuedBytes", q.queuedBytes)
	}
	q.mu.Unlock()
	q.Nudge()
}

// QueuedBytes reports the current byte accounting.
func (q *Queue) QueuedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// SetFinalize arms or clears the pending finalize flag and nudges the drain.
func (q *Queue) SetFinalize(v bool) {
	q.mu.Lock()
	q.pendingFinalize = v
	q.mu.Unlock()
	if v {
		q.Nudge()
	}
}

// SetClose arms or clears the pending close-stream flag and nudges the drain.
func (q *Queue) SetClose(v bool) {
	q.mu.Lock()
	q.pendingClose = v
	q.mu.Unlock()
	if v {
		q.Nudge()
	}
}

// Clear discards all queued entries and control flags.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.queuedBytes = 0
	q.pendingFinalize = false
	q.pendingClose = false
	q.mu.Unlock()
}

// Nudge starts a drain turn unless one is already running.
func (q *Queue) Nudge() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	go q.drainTurn()
}

// shouldDrain reports whether audio work remains. Control flags force the
// remaining bytes out even below the batching threshold.
func (q *Queue) shouldDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes >= MinBatchBytes ||
		(q.queuedBytes > 0 && (q.pendingFinalize || q.pendingClose))
}

// popBatch removes entries from the head until adding the next one would
// exceed MaxBatchBytes. At least one entry is always taken.
func (q *Queue) popBatch() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	batch := q.entries[0]
	q.entries = q.entries[1:]
	q.queuedBytes -= len(batch)
	for len(q.entries) > 0 && len(batch)+len(q.entries[0]) <= MaxBatchBytes {
		next := q.entries[0]
		q.entries = q.entries[1:]
		q.queuedBytes -= len(next)
		batch = append(batch, next...)
	}
	return batch
}

// pushFront returns an unsent batch to the head of the queue.
func (q *Queue) pushFront(batch []byte) {
	q.mu.Lock()
	q.entries = append([][]byte{batch}, q.entries...)
	q.queuedBytes += len(batch)
	q.mu.Unlock()
}

// drainTurn runs one cooperative drain slice. It holds drain exclusivity
// (the draining flag) but never the queue lock across a send.
func (q *Queue) drainTurn() {
	started := time.Now()
	batches := 0
	stalled := false

	for q.shouldDrain() {
		sender := q.ensure()
		if sender == nil {
			stalled = true
			break
		}
		batch := q.popBatch()
		if batch == nil {
			break
		}
		if err := sender.SendBinary(batch); err != nil {
			q.logger.Warnw("Upstream send failed, requeueing batch", "error", err, "bytes", len(batch))
			q.pushFront(batch)
			stalled = true
			break
		}
		batches++
		if batches >= MaxBatchesPerTurn || time.Since(started) > MaxTurnSlice {
			// Yield the turn; reschedule the remainder.
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			q.Nudge()
			return
		}
	}

	if !stalled {
		q.sendPendingControl()
	}

	q.mu.Lock()
	q.draining = false
	more := !stalled && (q.queuedBytes >= MinBatchBytes ||
		(q.queuedBytes > 0 && (q.pendingFinalize || q.pendingClose)))
	q.mu.Unlock()
	if more {
		q.Nudge()
	}
}

// sendPendingControl ships Finalize and then CloseStream once the queue is
// empty. Finalize leaves the upstream open; CloseStream asks it to end.
func (q *Queue) sendPendingControl() {
	for {
		q.mu.Lock()
		if q.queuedBytes != 0 || (!q.pendingFinalize && !q.pendingClose) {
			q.mu.Unlock()
			return
		}
		finalize := q.pendingFinalize
		q.mu.Unlock()

		sender := q.ensure()
		if sender == nil {
			return
		}

		if finalize {
			if err := sender.SendText(q.finalizeMsg); err != nil {
				q.logger.Warnw("Failed to send finalize upstream", "error", err)
				return
			}
			q.mu.Lock()
			q.pendingFinalize = false
			cb := q.OnFinalizeSent
			q.mu.Unlock()
			if cb != nil {
				cb()
			}
			continue
		}

		if err := sender.SendText(q.closeMsg); err != nil {
			q.logger.Warnw("Failed to send close-stream upstream", "error", err)
			return
		}
		q.mu.Lock()
		q.pendingClose = false
		cb := q.OnCloseSent
		q.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
}
