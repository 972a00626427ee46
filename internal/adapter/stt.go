// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	internal_audio "github.com/rapidaai/media-bridge/internal/audio"
	internal_audio_resampler "github.com/rapidaai/media-bridge/internal/audio/resampler"
	internal_packet "github.com/rapidaai/media-bridge/internal/packet"
	internal_registry "github.com/rapidaai/media-bridge/internal/registry"
	internal_sendqueue "github.com/rapidaai/media-bridge/internal/sendqueue"
	internal_store "github.com/rapidaai/media-bridge/internal/store"
	internal_upstream "github.com/rapidaai/media-bridge/internal/upstream"
)

// transcriptRingSize is how many transcription events are replayed to a
// late-joining transcription client.
const transcriptRingSize = 100

// TranscriptionCompleteReason closes transcription clients after an
// inactivity-driven end of stream.
const TranscriptionCompleteReason = "Transcription complete"

// SttAdapter ingests the session's microphone track from the SFU and
// streams it to the transcription provider, fanning results out to
// transcription clients.
type SttAdapter struct {
	*base
	transcoder *internal_audio.Transcoder
	link       *internal_upstream.Link
	queue      *internal_sendqueue.Queue

	ringMu sync.Mutex
	ring   [][]byte
}

// NewSttAdapter restores or creates the STT flavor for sessionName.
func NewSttAdapter(ctx context.Context, deps Dependencies, sessionName string) (*SttAdapter, error) {
	a := &SttAdapter{
		base: newBase(deps, sessionName, sessionName+":stt"),
	}

	dn, err := internal_audio_resampler.NewStreamResampler(1, 48000, 16000)
	if err != nil {
		deps.Logger.Warnw("Stream resampler unavailable, using scalar path", "error", err)
		a.transcoder = internal_audio.NewTranscoder(deps.Logger, nil, nil)
	} else {
		a.transcoder = internal_audio.NewTranscoder(deps.Logger, nil, dn)
	}

	url, err := internal_upstream.SttURL(deps.Config.Ai.SttWsUrl, deps.Config.Ai.SttModel)
	if err != nil {
		return nil, fmt.Errorf("stt: bad provider url: %w", err)
	}
	a.link = internal_upstream.NewLink(deps.Logger, url,
		internal_upstream.AuthHeader(deps.Config.Ai.ApiToken),
		internal_upstream.Callbacks{
			OnMessage: a.onUpstreamMessage,
			OnClosed:  a.onUpstreamClosed,
		})

	a.queue = internal_sendqueue.New(deps.Logger, a.queueSender,
		internal_upstream.FinalizeMessage, internal_upstream.CloseStreamMessage)
	a.queue.OnFinalizeSent = func() {
		if err := a.state.Update(context.Background(), func(s *internal_store.AdapterState) {
			s.PendingFinalize = false
		}); err != nil {
			a.logger.Errorw("Failed to clear finalize flag", "session", sessionName, "error", err)
		}
	}
	a.queue.OnCloseSent = func() {
		if err := a.state.Update(context.Background(), func(s *internal_store.AdapterState) {
			s.PendingClose = false
		}); err != nil {
			a.logger.Errorw("Failed to clear close flag", "session", sessionName, "error", err)
		}
	}

	a.registry = internal_registry.New(deps.Logger, internal_registry.Callbacks{
		OnBinary: a.onClientBinary,
		OnDisconnect: func(*internal_registry.Client) {
			if err := a.state.ScheduleCleanup(context.Background()); err != nil {
				a.logger.Errorw("Failed to schedule cleanup", "session", sessionName, "error", err)
			}
		},
	})
	a.state.SetAlarmHandler(a.onAlarm)

	if err := a.state.Restore(ctx); err != nil {
		return nil, err
	}

	// A restart can land between stop-forwarding (or the inactivity close)
	// and the drain completing; re-arm the queued control messages from the
	// restored record so they still go out.
	snap := a.state.Snapshot()
	if snap.PendingFinalize {
		a.queue.SetFinalize(true)
	}
	if snap.PendingClose {
		a.queue.SetClose(true)
	}
	return a, nil
}

// queueSender hands the drain loop a sender only while the provider link is
// open; otherwise it kicks a background dial and lets the drain stall until
// the connect nudges it.
func (a *SttAdapter) queueSender() internal_sendqueue.Sender {
	if a.link.State() == internal_upstream.Connected {
		return a.link
	}
	go func() {
		if err := a.link.Ensure(context.Background()); err == nil {
			a.queue.Nudge()
		}
	}()
	return nil
}

// Connect publishes the microphone track into the SFU and pre-warms the
// provider link. Forwarding is not active yet; the keepalive cycle holds
// the provider socket open in the meantime.
func (a *SttAdapter) Connect(ctx context.Context, sdp string) (json.RawMessage, error) {
	sessionId, err := a.sfu.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	answer, err := a.sfu.AddTracksAutoDiscover(ctx, sessionId, sdp, "audio")
	if err != nil {
		return nil, err
	}
	if len(answer.TrackNames) == 0 {
		return nil, fmt.Errorf("stt: no audio track discovered")
	}

	if err := a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.SessionName = a.sessionName
		s.AllowReconnect = false
		s.UpstreamSessionId = sessionId
		s.MicTrackName = answer.TrackNames[0]
		s.SfuCallbackUrl = a.endpoint("/stt/sfu-subscribe")
	}); err != nil {
		return nil, err
	}

	if err := a.link.Ensure(ctx); err != nil {
		a.logger.Warnw("Provider pre-warm failed", "session", a.sessionName, "error", err)
	}
	if err := a.state.ScheduleKeepAlive(ctx); err != nil {
		a.logger.Errorw("Failed to start keepalive cycle", "session", a.sessionName, "error", err)
	}
	if a.registry.Empty() {
		if err := a.state.ScheduleInactivity(ctx, internal_store.DefaultInactivityTimeout); err != nil {
			a.logger.Errorw("Failed to schedule inactivity", "session", a.sessionName, "error", err)
		}
	}
	return answer.Json, nil
}

// StartForwarding asks the SFU to pull the mic track to our audio endpoint.
// Calling it while forwarding is already active is a no-op.
func (a *SttAdapter) StartForwarding(ctx context.Context) (alreadyActive bool, err error) {
	snap := a.state.Snapshot()
	if snap.UpstreamSessionId == "" {
		return false, ErrNotConnected
	}
	if snap.UpstreamAdapterId != "" {
		return true, nil
	}

	adapter, err := a.sfu.PullTrackToWebSocket(ctx,
		snap.UpstreamSessionId, snap.MicTrackName, snap.SfuCallbackUrl, "pcm")
	if err != nil {
		return false, err
	}

	return false, a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.UpstreamAdapterId = adapter.AdapterId
		s.AllowReconnect = true
		s.ReconnectAttempts = 0
		s.KeepAliveDeadline = nil
		s.InactivityDeadline = nil
	})
}

// StopForwarding closes the SFU adapter, flushes the provider stream with a
// Finalize once the queue drains, and re-enters the pre-forwarding window.
func (a *SttAdapter) StopForwarding(ctx context.Context) error {
	snap := a.state.Snapshot()
	if snap.UpstreamAdapterId != "" {
		if err := a.sfu.CloseWebSocketAdapter(ctx, snap.UpstreamAdapterId); err != nil {
			return err
		}
	}

	if err := a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.UpstreamAdapterId = ""
		s.PendingFinalize = true
	}); err != nil {
		return err
	}
	a.queue.SetFinalize(true)

	if err := a.link.Ensure(ctx); err != nil {
		a.logger.Warnw("Provider reopen failed after stop-forwarding",
			"session", a.sessionName, "error", err)
	}
	if err := a.state.ScheduleKeepAlive(ctx); err != nil {
		a.logger.Errorw("Failed to re-arm keepalive", "session", a.sessionName, "error", err)
	}
	if a.registry.Empty() {
		if err := a.state.ScheduleInactivity(ctx, internal_store.DefaultInactivityTimeout); err != nil {
			a.logger.Errorw("Failed to schedule inactivity", "session", a.sessionName, "error", err)
		}
	}
	return nil
}

// ReconnectUpstream restarts the provider link without finalizing. Debug
// surface; with no clients attached the session gets a short grace before
// inactivity reclaims it.
func (a *SttAdapter) ReconnectUpstream(ctx context.Context) (string, error) {
	a.link.Close()
	if err := a.link.Ensure(ctx); err != nil {
		return "", err
	}
	a.queue.Nudge()

	if a.registry.Empty() {
		if err := a.state.ScheduleInactivity(ctx, internal_store.DebugNoClientGrace); err != nil {
			a.logger.Errorw("Failed to schedule grace", "session", a.sessionName, "error", err)
		}
		return "No clients connected", nil
	}
	return "Upstream reconnected", nil
}

// SfuSubscribe admits the SFU-side audio WebSocket.
func (a *SttAdapter) SfuSubscribe(conn *websocket.Conn) {
	a.registry.Accept(conn, internal_registry.RoleSfuAudio)
}

// TranscriptionStream admits a transcription client and replays the recent
// transcript ring to it.
func (a *SttAdapter) TranscriptionStream(conn *websocket.Conn) {
	client := a.registry.Accept(conn, internal_registry.RoleTranscription)

	a.ringMu.Lock()
	replay := make([][]byte, len(a.ring))
	copy(replay, a.ring)
	a.ringMu.Unlock()
	for _, event := range replay {
		if err := client.SendText(event); err != nil {
			break
		}
	}

	if err := a.state.Update(context.Background(), func(s *internal_store.AdapterState) {
		s.InactivityDeadline = nil
	}); err != nil {
		a.logger.Errorw("Failed to cancel inactivity", "session", a.sessionName, "error", err)
	}
}

// onClientBinary is the audio hot path: decode the SFU packet, downmix and
// downsample, and queue for the provider.
func (a *SttAdapter) onClientBinary(client *internal_registry.Client, payload []byte) {
	if client.Role != internal_registry.RoleSfuAudio {
		return
	}
	pkt, err := internal_packet.Decode(payload)
	if err != nil {
		a.logger.Warnw("Dropping malformed SFU packet", "session", a.sessionName, "error", err)
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}
	a.queue.Enqueue(a.transcoder.SfuToListen(pkt.Payload))
}

func (a *SttAdapter) onUpstreamMessage(msg internal_upstream.Message) {
	tr, ok := msg.(internal_upstream.Transcript)
	if !ok {
		return
	}
	ts := time.Now().UnixMilli()

	event, err := json.Marshal(map[string]any{
		"type":      "transcription",
		"data":      tr.Raw,
		"timestamp": ts,
	})
	if err != nil {
		return
	}

	a.ringMu.Lock()
	a.ring = append(a.ring, event)
	if len(a.ring) > transcriptRingSize {
		a.ring = a.ring[len(a.ring)-transcriptRingSize:]
	}
	a.ringMu.Unlock()

	a.registry.BroadcastText(internal_registry.RoleTranscription, event)

	if tr.FromFinalize {
		finalized, err := json.Marshal(map[string]any{
			"type":      "segment_finalized",
			"timestamp": ts,
		})
		if err == nil {
			a.registry.BroadcastText(internal_registry.RoleTranscription, finalized)
		}
	}
}

// onUpstreamClosed finishes an inactivity-driven end of stream, or books a
// reconnect when the drop was unexpected.
func (a *SttAdapter) onUpstreamClosed(err error) {
	ctx := context.Background()
	snap := a.state.Snapshot()

	if snap.ClosingDueToInactivity {
		// Occupancy may have changed since the timer fired.
		if a.registry.Empty() {
			done, merr := json.Marshal(map[string]any{
				"type":      "stt_done",
				"timestamp": time.Now().UnixMilli(),
			})
			if merr == nil {
				a.registry.BroadcastText(internal_registry.RoleTranscription, done)
			}
			a.registry.CloseRole(internal_registry.RoleTranscription,
				websocket.CloseNormalClosure, TranscriptionCompleteReason)
		}
		if uerr := a.state.Update(ctx, func(s *internal_store.AdapterState) {
			s.ClosingDueToInactivity = false
			s.PendingClose = false
			s.AllowReconnect = false
		}); uerr != nil {
			a.logger.Errorw("Failed to clear inactivity flags", "session", a.sessionName, "error", uerr)
		}
		return
	}

	a.scheduleReconnect(ctx)
}

// Destroy is the hard teardown for the STT flavor.
func (a *SttAdapter) Destroy(ctx context.Context) error {
	a.link.Close()
	a.registry.CloseAll(websocket.CloseNormalClosure, DestroyedReason)
	a.queue.Clear()

	a.ringMu.Lock()
	a.ring = nil
	a.ringMu.Unlock()

	if err := a.state.UpdateSkipAlarm(ctx, func(s *internal_store.AdapterState) {
		*s = internal_store.AdapterState{}
	}); err != nil {
		a.logger.Errorw("Failed to wipe state on destroy", "session", a.sessionName, "error", err)
	}
	return a.state.DeleteAlarmAndRecord(ctx)
}

// onAlarm: cleanup, keepalive, inactivity, reconnect — in that order, one
// merged write at the end.
func (a *SttAdapter) onAlarm() {
	ctx := context.Background()
	now := time.Now()
	snap := a.state.Snapshot()
	var muts []func(*internal_store.AdapterState)
	rearmInactivity := false
	attemptReconnect := false

	if expired(snap.CleanupDeadline, now) {
		if a.registry.Empty() {
			rearmInactivity = true
		}
		muts = append(muts, func(s *internal_store.AdapterState) { s.CleanupDeadline = nil })
	}

	if expired(snap.KeepAliveDeadline, now) {
		preForwarding := snap.UpstreamSessionId != "" && snap.UpstreamAdapterId == ""
		if preForwarding && a.link.State() == internal_upstream.Connected {
			if err := a.link.SendText(internal_upstream.KeepAliveMessage); err != nil {
				a.logger.Warnw("Keepalive send failed", "session", a.sessionName, "error", err)
			}
			next := now.Add(internal_store.KeepAliveInterval)
			muts = append(muts, func(s *internal_store.AdapterState) { s.KeepAliveDeadline = &next })
		} else {
			muts = append(muts, func(s *internal_store.AdapterState) { s.KeepAliveDeadline = nil })
		}
	}

	if expired(snap.InactivityDeadline, now) {
		if a.registry.Empty() {
			a.logger.Infow("Closing transcription stream for inactivity", "session", a.sessionName)
			muts = append(muts, func(s *internal_store.AdapterState) {
				s.PendingClose = true
				s.ClosingDueToInactivity = true
			})
			a.queue.SetClose(true)
		}
		muts = append(muts, func(s *internal_store.AdapterState) { s.InactivityDeadline = nil })
	}

	if expired(snap.ReconnectDeadline, now) && snap.AllowReconnect {
		muts = append(muts, func(s *internal_store.AdapterState) { s.ReconnectDeadline = nil })
		attemptReconnect = true
	}

	if len(muts) > 0 {
		if err := a.state.Update(ctx, func(s *internal_store.AdapterState) {
			for _, m := range muts {
				m(s)
			}
		}); err != nil {
			a.logger.Errorw("Alarm update failed", "session", a.sessionName, "error", err)
		}
	}

	if rearmInactivity {
		if err := a.state.ScheduleInactivity(ctx, internal_store.DefaultInactivityTimeout); err != nil {
			a.logger.Errorw("Failed to re-arm inactivity", "session", a.sessionName, "error", err)
		}
	}
	if attemptReconnect {
		if err := a.link.Ensure(ctx); err != nil {
			a.scheduleReconnect(ctx)
		} else {
			a.queue.Nudge()
			if err := a.state.Update(ctx, func(s *internal_store.AdapterState) {
				s.ReconnectAttempts = 0
			}); err != nil {
				a.logger.Errorw("Failed to clear reconnect attempts", "session", a.sessionName, "error", err)
			}
		}
	}
}
