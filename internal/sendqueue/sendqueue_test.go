// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_sendqueue

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rapidaai/media-bridge/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	finalizeMsg = []byte(`{"type":"Finalize"}`)
	closeMsg    = []byte(`{"type":"CloseStream"}`)
)

// recordingSender captures everything shipped upstream, in order.
type recordingSender struct {
	mu       sync.Mutex
	binary   [][]byte
	text     [][]byte
	binErr   error
	allBytes bytes.Buffer
}

func (r *recordingSender) SendBinary(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.binErr != nil {
		return r.binErr
	}
	cp := append([]byte{}, p...)
	r.binary = append(r.binary, cp)
	r.allBytes.Write(cp)
	return nil
}

func (r *recordingSender) SendText(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = append(r.text, append([]byte{}, p...))
	return nil
}

func (r *recordingSender) snapshot() (binary [][]byte, text [][]byte, all []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte{}, r.binary...), append([][]byte{}, r.text...),
		append([]byte{}, r.allBytes.Bytes()...)
}

func openSender(s Sender) func() Sender { return func() Sender { return s } }

func waitDrained(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.QueuedBytes() == 0 },
		2*time.Second, 5*time.Millisecond)
}

// --- Ordering and batching ---

func TestDrain_PreservesByteOrder(t *testing.T) {
	sender := &recordingSender{}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	var expected bytes.Buffer
	for i := 0; i < 50; i++ {
		buf := bytes.Repeat([]byte{byte(i)}, 400)
		expected.Write(buf)
		q.Enqueue(buf)
	}
	waitDrained(t, q)

	_, _, all := sender.snapshot()
	assert.Equal(t, expected.Bytes(), all)
}

func TestDrain_BatchesUpToMax(t *testing.T) {
	sender := &recordingSender{}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	for i := 0; i < 10; i++ {
		q.Enqueue(bytes.Repeat([]byte{1}, 4000))
	}
	waitDrained(t, q)

	binary, _, _ := sender.snapshot()
	for _, b := range binary {
		assert.LessOrEqual(t, len(b), MaxBatchBytes)
	}
	// 4000B entries coalesce: each batch carries several entries.
	assert.Less(t, len(binary), 10)
}

func TestDrain_OversizedEntryStillShips(t *testing.T) {
	sender := &recordingSender{}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	big := bytes.Repeat([]byte{7}, MaxBatchBytes+100)
	q.Enqueue(big)
	waitDrained(t, q)

	binary, _, _ := sender.snapshot()
	require.Len(t, binary, 1)
	assert.Equal(t, big, binary[0])
}

func TestEnqueue_BelowMinBatchWaits(t *testing.T) {
	sender := &recordingSender{}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	q.Enqueue(bytes.Repeat([]byte{1}, MinBatchBytes-1))
	time.Sleep(50 * time.Millisecond)

	binary, _, _ := sender.snapshot()
	assert.Empty(t, binary)
	assert.Equal(t, MinBatchBytes-1, q.QueuedBytes())
}

// --- Bounding ---

func TestEnqueue_OverflowDropsOldest(t *testing.T) {
	// Sender never open so nothing drains.
	q := New(commons.NewNopLogger(), func() Sender { return nil }, finalizeMsg, closeMsg)

	first := bytes.Repeat([]byte{0xAA}, 1024*1024)
	q.Enqueue(first)
	q.Enqueue(bytes.Repeat([]byte{0xBB}, 1024*1024))
	q.Enqueue(bytes.Repeat([]byte{0xCC}, 1024*1024))

	assert.LessOrEqual(t, q.QueuedBytes(), MaxQueueBytes)
}

// --- Control message ordering ---

func TestFinalize_FollowsAllAudio(t *testing.T) {
	sender := &recordingSender{}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	var cleared sync.WaitGroup
	cleared.Add(1)
	q.OnFinalizeSent = cleared.Done

	for i := 0; i < 5; i++ {
		q.Enqueue(bytes.Repeat([]byte{byte(i)}, 4000))
	}
	q.SetFinalize(true)

	done := make(chan struct{})
	go func() { cleared.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("finalize was never sent")
	}

	binary, text, _ := sender.snapshot()
	require.Len(t, text, 1)
	assert.Equal(t, finalizeMsg, text[0])
	// All audio preceded the control message.
	total := 0
	for _, b := range binary {
		total += len(b)
	}
	assert.Equal(t, 5*4000, total)
	assert.Equal(t, 0, q.QueuedBytes())
}

func TestFinalizeThenClose_BothSentInOrder(t *testing.T) {
	sender := &recordingSender{}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	q.Enqueue(bytes.Repeat([]byte{1}, 100))
	q.SetFinalize(true)
	q.SetClose(true)

	require.Eventually(t, func() bool {
		_, text, _ := sender.snapshot()
		return len(text) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, text, _ := sender.snapshot()
	assert.Equal(t, finalizeMsg, text[0])
	assert.Equal(t, closeMsg, text[1])
}

func TestClose_FlushesSubMinBatchRemainder(t *testing.T) {
	sender := &recordingSender{}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	q.Enqueue([]byte{1, 2, 3, 4})
	q.SetClose(true)

	require.Eventually(t, func() bool {
		_, text, _ := sender.snapshot()
		return len(text) == 1
	}, 2*time.Second, 5*time.Millisecond)

	binary, text, _ := sender.snapshot()
	require.Len(t, binary, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, binary[0])
	assert.Equal(t, closeMsg, text[0])
}

// --- Failure handling ---

func TestDrain_RequeuesOnSendError(t *testing.T) {
	sender := &recordingSender{binErr: errors.New("broken pipe")}
	q := New(commons.NewNopLogger(), openSender(sender), finalizeMsg, closeMsg)

	q.Enqueue(bytes.Repeat([]byte{1}, MinBatchBytes))
	time.Sleep(50 * time.Millisecond)
	// Nothing lost: the batch went back to the head.
	assert.Equal(t, MinBatchBytes, q.QueuedBytes())

	// Upstream recovers; a nudge drains it.
	sender.mu.Lock()
	sender.binErr = nil
	sender.mu.Unlock()
	q.Nudge()
	waitDrained(t, q)
}

func TestDrain_StallsQuietlyWithoutSender(t *testing.T) {
	q := New(commons.NewNopLogger(), func() Sender { return nil }, finalizeMsg, closeMsg)
	q.Enqueue(bytes.Repeat([]byte{1}, MinBatchBytes))
	q.SetClose(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, MinBatchBytes, q.QueuedBytes())
}

func TestClear_DropsEverything(t *testing.T) {
	q := New(commons.NewNopLogger(), func() Sender { return nil }, finalizeMsg, closeMsg)
	q.Enqueue([]byte{1, 2})
	q.SetFinalize(true)
	q.Clear()
	assert.Equal(t, 0, q.QueuedBytes())
}
