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

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	internal_audio "github.com/rapidaai/media-bridge/internal/audio"
	internal_audio_resampler "github.com/rapidaai/media-bridge/internal/audio/resampler"
	internal_packet "github.com/rapidaai/media-bridge/internal/packet"
	internal_registry "github.com/rapidaai/media-bridge/internal/registry"
	internal_store "github.com/rapidaai/media-bridge/internal/store"
	internal_type "github.com/rapidaai/media-bridge/internal/type"
	internal_upstream "github.com/rapidaai/media-bridge/internal/upstream"
)

// TtsAdapter publishes a synthesized audio track into the SFU. The provider
// streams PCM16 24 kHz mono; subscribers receive stereo 48 kHz packets.
type TtsAdapter struct {
	*base
	transcoder *internal_audio.Transcoder
	oneShot    internal_type.AudioResampler
	http       *resty.Client

	mu         sync.Mutex
	link       *internal_upstream.Link
	inflight   []byte // current run, stereo 48k
	lateJoiner []byte // last finalized run
	seq        uint32
}

// NewTtsAdapter restores or creates the TTS flavor for sessionName.
func NewTtsAdapter(ctx context.Context, deps Dependencies, sessionName string) (*TtsAdapter, error) {
	a := &TtsAdapter{
		base: newBase(deps, sessionName, sessionName+":tts"),
		http: resty.New().SetAuthToken(deps.Config.Ai.ApiToken),
	}

	// Resampler init failure must not block the session; the transcoder
	// falls back to the scalar path permanently.
	up, err := internal_audio_resampler.NewStreamResampler(1, 24000, 48000)
	if err != nil {
		deps.Logger.Warnw("Stream resampler unavailable, using scalar path", "error", err)
		a.transcoder = internal_audio.NewTranscoder(deps.Logger, nil, nil)
	} else {
		a.transcoder = internal_audio.NewTranscoder(deps.Logger, up, nil)
	}
	if rs, err := internal_audio_resampler.GetResampler(deps.Logger); err == nil {
		a.oneShot = rs
	}

	a.registry = internal_registry.New(deps.Logger, internal_registry.Callbacks{
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
	return a, nil
}

// ensureLink builds the provider link on first use. The synthesis URL
// depends on the persisted voice, so the link cannot exist before publish.
func (a *TtsAdapter) ensureLink(ctx context.Context) error {
	a.mu.Lock()
	if a.link == nil {
		voice := a.state.Snapshot().SelectedVoice
		if voice == "" {
			a.mu.Unlock()
			return ErrNotPublished
		}
		url, err := internal_upstream.TtsURL(a.cfg.Ai.TtsWsUrl, a.cfg.Ai.TtsModel, voice)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("tts: bad provider url: %w", err)
		}
		a.link = internal_upstream.NewLink(a.logger, url,
			internal_upstream.AuthHeader(a.cfg.Ai.ApiToken),
			internal_upstream.Callbacks{
				OnBinary:  a.onUpstreamAudio,
				OnMessage: a.onUpstreamMessage,
				OnClosed:  a.onUpstreamClosed,
			})
	}
	link := a.link
	a.mu.Unlock()
	return link.Ensure(ctx)
}

func (a *TtsAdapter) currentLink() *internal_upstream.Link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

// Publish registers the synthesized track with the SFU and persists the
// voice selection. Publishing twice without an unpublish is a conflict.
func (a *TtsAdapter) Publish(ctx context.Context, speaker string) (json.RawMessage, error) {
	if a.state.Snapshot().UpstreamAdapterId != "" {
		return nil, ErrAlreadyPublished
	}

	adapter, err := a.sfu.PushTrackFromWebSocket(ctx, a.trackName(), a.endpoint("/subscribe"))
	if err != nil {
		return nil, err
	}

	if err := a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.SessionName = a.sessionName
		s.AllowReconnect = true
		s.SelectedVoice = speaker
		s.UpstreamSessionId = adapter.SessionId
		s.UpstreamAdapterId = adapter.AdapterId
	}); err != nil {
		return nil, err
	}
	if err := a.state.ScheduleInactivity(ctx, internal_store.DefaultInactivityTimeout); err != nil {
		a.logger.Errorw("Failed to schedule inactivity", "session", a.sessionName, "error", err)
	}

	// Pre-open the provider link so the first generate starts hot.
	if err := a.ensureLink(ctx); err != nil {
		a.logger.Warnw("Provider pre-open failed, will retry on generate",
			"session", a.sessionName, "error", err)
	}
	return adapter.Json, nil
}

func (a *TtsAdapter) trackName() string {
	return "tts-" + a.sessionName
}

// Subscribe admits the SFU-side WebSocket. A late joiner immediately
// receives the last finalized run followed by the end-of-stream marker.
func (a *TtsAdapter) Subscribe(conn *websocket.Conn) {
	client := a.registry.Accept(conn, internal_registry.RoleSfuSubscriber)

	a.mu.Lock()
	buffered := a.lateJoiner
	a.mu.Unlock()
	if len(buffered) == 0 {
		return
	}
	a.sendRun(client, buffered)
}

// sendRun ships one finalized stereo run to a single client, chunked, with
// the zero-length terminator.
func (a *TtsAdapter) sendRun(client *internal_registry.Client, run []byte) {
	a.mu.Lock()
	frames := encodeChunks(run, &a.seq)
	terminator := internal_packet.Encode(internal_packet.Packet{
		Sequence:  a.seq,
		Timestamp: nowMillis(),
	})
	a.seq++
	a.mu.Unlock()

	for _, frame := range frames {
		if err := client.SendBinary(frame); err != nil {
			return
		}
	}
	client.SendBinary(terminator)
}

// Connect pulls the published track into a fresh player session for a
// listening browser.
func (a *TtsAdapter) Connect(ctx context.Context, sdp string) (json.RawMessage, error) {
	snap := a.state.Snapshot()
	if snap.UpstreamSessionId == "" {
		return nil, ErrNotPublished
	}
	playerId, err := a.sfu.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	return a.sfu.PullRemoteTrackToPlayer(ctx, playerId, snap.UpstreamSessionId, a.trackName(), sdp)
}

// Generate accepts the text and detaches the synthesis work. Any streaming
// failure falls back to one-shot HTTP synthesis so the caller's 202 always
// eventually yields audio.
func (a *TtsAdapter) Generate(ctx context.Context, text string) error {
	if a.state.Snapshot().SelectedVoice == "" {
		return ErrNotPublished
	}

	go func() {
		bg := context.Background()
		if err := a.streamGenerate(bg, text); err != nil {
			a.logger.Warnw("Streaming synthesis failed, using HTTP fallback",
				"session", a.sessionName, "error", err)
			if err := a.fallbackGenerate(bg, text); err != nil {
				a.logger.Errorw("HTTP synthesis fallback failed",
					"session", a.sessionName, "error", err)
			}
		}
		if err := a.state.ScheduleInactivity(bg, internal_store.DefaultInactivityTimeout); err != nil {
			a.logger.Errorw("Failed to reset inactivity", "session", a.sessionName, "error", err)
		}
	}()
	return nil
}

func (a *TtsAdapter) streamGenerate(ctx context.Context, text string) error {
	if err := a.ensureLink(ctx); err != nil {
		return err
	}
	link := a.currentLink()
	speak, err := internal_upstream.SpeakMessage(text)
	if err != nil {
		return err
	}
	if err := link.SendText(speak); err != nil {
		return err
	}
	return link.SendText(internal_upstream.FlushMessage)
}

// fallbackGenerate synthesizes the whole utterance over HTTP and plays it
// out as a single finalized run.
func (a *TtsAdapter) fallbackGenerate(ctx context.Context, text string) error {
	voice := a.state.Snapshot().SelectedVoice
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"model":     a.cfg.Ai.TtsModel,
			"encoding":  "linear16",
			"container": "none",
			"speaker":   voice,
		}).
		SetBody(map[string]string{"text": text}).
		Post(a.cfg.Ai.TtsHttpUrl)
	if err != nil {
		return fmt.Errorf("tts: http synthesis: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("tts: http synthesis: status %d", resp.StatusCode())
	}

	stereo := a.oneShotToSfu(a.transcoder.EnsureEven(resp.Body()))
	a.broadcastAudio(stereo)
	a.finalizeRun(stereo)
	return nil
}

// oneShotToSfu converts a complete 24k mono buffer to the SFU leg without
// touching the streaming resampler state shared with the live path.
func (a *TtsAdapter) oneShotToSfu(pcm24kMono []byte) []byte {
	if a.oneShot != nil {
		out, err := a.oneShot.Resample(pcm24kMono,
			internal_audio.TTS_PROVIDER_AUDIO_CONFIG, internal_audio.SFU_AUDIO_CONFIG)
		if err == nil {
			return out
		}
		a.logger.Warnw("One-shot resample failed, using stream path",
			"session", a.sessionName, "error", err)
	}
	return a.transcoder.SpeakToSfu(pcm24kMono)
}

// onUpstreamAudio transcodes one provider chunk and fans it out live.
func (a *TtsAdapter) onUpstreamAudio(pcm24k []byte) {
	stereo := a.transcoder.SpeakToSfu(a.transcoder.EnsureEven(pcm24k))
	a.mu.Lock()
	a.inflight = append(a.inflight, stereo...)
	a.mu.Unlock()
	a.broadcastAudio(stereo)
}

func (a *TtsAdapter) broadcastAudio(stereo []byte) {
	a.mu.Lock()
	frames := encodeChunks(stereo, &a.seq)
	a.mu.Unlock()
	for _, frame := range frames {
		a.registry.Broadcast(internal_registry.RoleSfuSubscriber, frame)
	}
}

func (a *TtsAdapter) onUpstreamMessage(msg internal_upstream.Message) {
	switch msg.(type) {
	case internal_upstream.Flushed:
		a.mu.Lock()
		run := a.inflight
		a.inflight = nil
		a.mu.Unlock()
		a.finalizeRun(run)
	case internal_upstream.Opened:
		// Banner only.
	default:
	}
}

// finalizeRun retains the finished run for late joiners and broadcasts the
// zero-length end-of-stream packet.
func (a *TtsAdapter) finalizeRun(run []byte) {
	a.mu.Lock()
	a.lateJoiner = run
	terminator := internal_packet.Encode(internal_packet.Packet{
		Sequence:  a.seq,
		Timestamp: nowMillis(),
	})
	a.seq++
	a.mu.Unlock()
	a.registry.Broadcast(internal_registry.RoleSfuSubscriber, terminator)
}

func (a *TtsAdapter) onUpstreamClosed(err error) {
	a.scheduleReconnect(context.Background())
}

// Unpublish tears the published track down. Closing an SFU adapter that is
// already gone counts as success.
func (a *TtsAdapter) Unpublish(ctx context.Context) error {
	snap := a.state.Snapshot()
	if snap.UpstreamAdapterId == "" && snap.UpstreamSessionId == "" {
		return ErrNotPublished
	}

	if link := a.currentLink(); link != nil {
		link.Close()
	}
	if snap.UpstreamAdapterId != "" {
		if err := a.sfu.CloseWebSocketAdapter(ctx, snap.UpstreamAdapterId); err != nil {
			return err
		}
	}
	a.registry.CloseRole(internal_registry.RoleSfuSubscriber,
		websocket.CloseNormalClosure, UnpublishedReason)

	a.mu.Lock()
	a.inflight = nil
	a.lateJoiner = nil
	a.link = nil
	a.mu.Unlock()

	return a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.AllowReconnect = false
		s.ReconnectAttempts = 0
		s.ReconnectDeadline = nil
		s.CleanupDeadline = nil
		s.UpstreamSessionId = ""
		s.UpstreamAdapterId = ""
		s.SelectedVoice = ""
	})
}

// Destroy is the hard teardown: everything closed, every buffer dropped,
// the record and alarm removed.
func (a *TtsAdapter) Destroy(ctx context.Context) error {
	if link := a.currentLink(); link != nil {
		link.Close()
	}
	a.registry.CloseAll(websocket.CloseNormalClosure, DestroyedReason)

	a.mu.Lock()
	a.inflight = nil
	a.lateJoiner = nil
	a.link = nil
	a.mu.Unlock()

	if err := a.state.UpdateSkipAlarm(ctx, func(s *internal_store.AdapterState) {
		*s = internal_store.AdapterState{}
	}); err != nil {
		a.logger.Errorw("Failed to wipe state on destroy", "session", a.sessionName, "error", err)
	}
	return a.state.DeleteAlarmAndRecord(ctx)
}

// onAlarm inspects the deadlines in fixed order, performs at most one action
// per expired deadline, and writes a single merged update.
func (a *TtsAdapter) onAlarm() {
	ctx := context.Background()
	now := time.Now()
	snap := a.state.Snapshot()
	var muts []func(*internal_store.AdapterState)
	rearmInactivity := false
	attemptReconnect := false

	if expired(snap.CleanupDeadline, now) {
		if a.registry.Count(internal_registry.RoleSfuSubscriber) == 0 {
			// Last subscriber left. Let inactivity finish the teardown.
			rearmInactivity = true
		}
		muts = append(muts, func(s *internal_store.AdapterState) { s.CleanupDeadline = nil })
	}

	if expired(snap.InactivityDeadline, now) {
		if a.registry.Empty() {
			a.logger.Infow("Closing inactive session", "session", a.sessionName)
			if link := a.currentLink(); link != nil {
				link.Close()
			}
			a.registry.CloseAll(websocket.CloseNormalClosure, InactiveReason)
			muts = append(muts, func(s *internal_store.AdapterState) { s.AllowReconnect = false })
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
		if err := a.ensureLink(ctx); err != nil {
			a.scheduleReconnect(ctx)
		} else if err := a.state.Update(ctx, func(s *internal_store.AdapterState) {
			s.ReconnectAttempts = 0
		}); err != nil {
			a.logger.Errorw("Failed to clear reconnect attempts", "session", a.sessionName, "error", err)
		}
	}
}
