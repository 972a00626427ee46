// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_adapter

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	internal_audio "github.com/rapidaai/media-bridge/internal/audio"
	internal_audio_resampler "github.com/rapidaai/media-bridge/internal/audio/resampler"
	internal_packet "github.com/rapidaai/media-bridge/internal/packet"
	"github.com/rapidaai/media-bridge/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTtsAdapter(t *testing.T, e *env) *TtsAdapter {
	t.Helper()
	a, err := NewTtsAdapter(context.Background(), e.deps, "s1")
	require.NoError(t, err)
	return a
}

// expectedStereo runs the same chunks through an identical fresh pipeline.
func expectedStereo(t *testing.T, chunks ...[]byte) []byte {
	t.Helper()
	up, err := internal_audio_resampler.NewStreamResampler(1, 24000, 48000)
	require.NoError(t, err)
	tc := internal_audio.NewTranscoder(commons.NewNopLogger(), up, nil)
	var out []byte
	for _, c := range chunks {
		out = append(out, tc.SpeakToSfu(c)...)
	}
	return out
}

// readRun drains packets from a subscriber until the zero-length
// end-of-stream marker, returning the concatenated payload bytes.
func readRun(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	var run []byte
	for {
		frame := readBinary(t, conn, 2*time.Second)
		pkt, err := internal_packet.Decode(frame)
		require.NoError(t, err)
		if len(pkt.Payload) == 0 {
			return run
		}
		run = append(run, pkt.Payload...)
	}
}

// waitForText polls from the provider script goroutine, so it must not call
// into testing.T.
func waitForText(p *fakeProvider, want string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range p.receivedText() {
			if string(msg) == want {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// --- Publish lifecycle ---

func TestTtsPublish_RegistersTrackAndPersistsVoice(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)

	answer, err := a.Publish(context.Background(), "zeus")
	require.NoError(t, err)
	assert.Contains(t, string(answer), "adapter-1")
	assert.Equal(t, 1, e.sfu.calls("/adapters/websocket/new"))
}

func TestTtsPublish_TwiceIsConflict(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)

	_, err := a.Publish(context.Background(), "zeus")
	require.NoError(t, err)
	_, err = a.Publish(context.Background(), "zeus")
	assert.ErrorIs(t, err, ErrAlreadyPublished)
}

func TestTtsUnpublish_BeforePublishFails(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)
	assert.ErrorIs(t, a.Unpublish(context.Background()), ErrNotPublished)
}

func TestTtsUnpublish_AllowsRepublish(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)
	ctx := context.Background()

	_, err := a.Publish(ctx, "zeus")
	require.NoError(t, err)
	require.NoError(t, a.Unpublish(ctx))

	_, err = a.Publish(ctx, "hera")
	assert.NoError(t, err)
	assert.Equal(t, 1, e.sfu.calls("/adapters/websocket/close"))
}

func TestTtsConnect_BeforePublishFails(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)
	_, err := a.Connect(context.Background(), "v=0 offer")
	assert.ErrorIs(t, err, ErrNotPublished)
}

func TestTtsConnect_PullsIntoPlayerSession(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)
	ctx := context.Background()

	_, err := a.Publish(ctx, "zeus")
	require.NoError(t, err)

	answer, err := a.Connect(ctx, "v=0 offer")
	require.NoError(t, err)
	assert.Contains(t, string(answer), "answer")
	assert.Equal(t, 1, e.sfu.calls("/sessions/new"))
}

// --- Streaming ---

func TestTtsGenerate_StreamsTranscodedChunksThenEndOfStream(t *testing.T) {
	e := newEnv(t)
	chunk1 := []byte{0x10, 0x00, 0x20, 0x00}
	chunk2 := []byte{0x30, 0x00, 0x40, 0x00}
	e.provider.script = func(conn *websocket.Conn) {
		if !waitForText(e.provider, `{"type":"Flush"}`) {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, chunk1)
		conn.WriteMessage(websocket.BinaryMessage, chunk2)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed"}`))
	}

	a := newTtsAdapter(t, e)
	ctx := context.Background()
	_, err := a.Publish(ctx, "zeus")
	require.NoError(t, err)

	subscriber := dialWs(t, clientServer(t, a.Subscribe))
	require.NoError(t, a.Generate(ctx, "hi"))

	run := readRun(t, subscriber)
	assert.Equal(t, expectedStereo(t, chunk1, chunk2), run)
}

func TestTtsSubscribe_LateJoinerReceivesFinalizedRun(t *testing.T) {
	e := newEnv(t)
	chunk := []byte{0x10, 0x00, 0x20, 0x00}
	e.provider.script = func(conn *websocket.Conn) {
		if !waitForText(e.provider, `{"type":"Flush"}`) {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, chunk)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed"}`))
	}

	a := newTtsAdapter(t, e)
	ctx := context.Background()
	_, err := a.Publish(ctx, "zeus")
	require.NoError(t, err)

	first := dialWs(t, clientServer(t, a.Subscribe))
	require.NoError(t, a.Generate(ctx, "hi"))
	finalized := readRun(t, first)
	require.NotEmpty(t, finalized)

	late := dialWs(t, clientServer(t, a.Subscribe))
	assert.Equal(t, finalized, readRun(t, late))
}

func TestTtsGenerate_SendsSpeakThenFlush(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)
	ctx := context.Background()

	_, err := a.Publish(ctx, "zeus")
	require.NoError(t, err)
	require.NoError(t, a.Generate(ctx, "hello"))

	require.Eventually(t, func() bool {
		return len(e.provider.receivedText()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	text := e.provider.receivedText()
	assert.JSONEq(t, `{"type":"Speak","text":"hello"}`, string(text[0]))
	assert.JSONEq(t, `{"type":"Flush"}`, string(text[1]))
}

func TestTtsGenerate_HttpFallbackUsesOneShotResample(t *testing.T) {
	e := newEnv(t)
	pcm := bytes.Repeat([]byte{0x10, 0x00, 0x20, 0x00}, 600)
	ttsHttp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pcm)
	}))
	t.Cleanup(ttsHttp.Close)
	// No provider WebSocket reachable, so generate takes the HTTP fallback.
	e.deps.Config.Ai.TtsWsUrl = "ws://127.0.0.1:1"
	e.deps.Config.Ai.TtsHttpUrl = ttsHttp.URL

	a := newTtsAdapter(t, e)
	ctx := context.Background()
	_, err := a.Publish(ctx, "zeus")
	require.NoError(t, err)

	subscriber := dialWs(t, clientServer(t, a.Subscribe))
	require.NoError(t, a.Generate(ctx, "hi"))

	// The one-shot buffer goes through the stateless resampler, not the
	// streaming pipeline shared with the live path.
	rs, err := internal_audio_resampler.GetResampler(commons.NewNopLogger())
	require.NoError(t, err)
	expected, err := rs.Resample(pcm,
		internal_audio.TTS_PROVIDER_AUDIO_CONFIG, internal_audio.SFU_AUDIO_CONFIG)
	require.NoError(t, err)
	assert.Equal(t, expected, readRun(t, subscriber))
}

func TestTtsGenerate_WithoutVoiceFails(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)
	assert.ErrorIs(t, a.Generate(context.Background(), "hi"), ErrNotPublished)
}

// --- Destroy ---

func TestTtsDestroy_ClosesClientsAndWipesRecord(t *testing.T) {
	e := newEnv(t)
	a := newTtsAdapter(t, e)
	ctx := context.Background()

	_, err := a.Publish(ctx, "zeus")
	require.NoError(t, err)
	subscriber := dialWs(t, clientServer(t, a.Subscribe))

	require.NoError(t, a.Destroy(ctx))

	subscriber.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = subscriber.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, DestroyedReason, closeErr.Text)

	durable := e.deps.NewDurableStore("s1:tts")
	_, ok, err := durable.Get(ctx, "state")
	require.NoError(t, err)
	assert.False(t, ok)
	_, set, _ := durable.GetAlarm(ctx)
	assert.False(t, set)
}
