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
	internal_packet "github.com/rapidaai/media-bridge/internal/packet"
	internal_registry "github.com/rapidaai/media-bridge/internal/registry"
	internal_store "github.com/rapidaai/media-bridge/internal/store"
)

// VideoAdapter relays the session's camera track out of the SFU as raw JPEG
// frames to viewer WebSockets. No AI link, no send queue.
type VideoAdapter struct {
	*base

	frameMu   sync.Mutex
	lastFrame []byte
}

// NewVideoAdapter restores or creates the Video flavor for sessionName.
func NewVideoAdapter(ctx context.Context, deps Dependencies, sessionName string) (*VideoAdapter, error) {
	a := &VideoAdapter{
		base: newBase(deps, sessionName, sessionName+":video"),
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
	return a, nil
}

// Connect publishes the camera track into the SFU via auto-discovery.
func (a *VideoAdapter) Connect(ctx context.Context, sdp string) (json.RawMessage, error) {
	sessionId, err := a.sfu.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	answer, err := a.sfu.AddTracksAutoDiscover(ctx, sessionId, sdp, "video")
	if err != nil {
		return nil, err
	}
	if len(answer.TrackNames) == 0 {
		return nil, fmt.Errorf("video: no video track discovered")
	}

	if err := a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.SessionName = a.sessionName
		s.UpstreamSessionId = sessionId
		s.VideoTrackName = answer.TrackNames[0]
	}); err != nil {
		return nil, err
	}
	if err := a.state.ScheduleInactivity(ctx, internal_store.DefaultInactivityTimeout); err != nil {
		a.logger.Errorw("Failed to schedule inactivity", "session", a.sessionName, "error", err)
	}
	return answer.Json, nil
}

// StartForwarding asks the SFU to push JPEG frames to our endpoint.
// Idempotent while an adapter is already active.
func (a *VideoAdapter) StartForwarding(ctx context.Context) (alreadyActive bool, err error) {
	snap := a.state.Snapshot()
	if snap.UpstreamSessionId == "" {
		return false, ErrNotConnected
	}
	if snap.UpstreamAdapterId != "" {
		return true, nil
	}

	adapter, err := a.sfu.PullTrackToWebSocket(ctx,
		snap.UpstreamSessionId, snap.VideoTrackName, a.endpoint("/video/sfu-subscribe"), "jpeg")
	if err != nil {
		return false, err
	}
	return false, a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.UpstreamAdapterId = adapter.AdapterId
	})
}

// StopForwarding tears the SFU adapter down. Idempotent.
func (a *VideoAdapter) StopForwarding(ctx context.Context) error {
	snap := a.state.Snapshot()
	if snap.UpstreamAdapterId != "" {
		if err := a.sfu.CloseWebSocketAdapter(ctx, snap.UpstreamAdapterId); err != nil {
			return err
		}
	}
	return a.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.UpstreamAdapterId = ""
	})
}

// SfuSubscribe admits the SFU-side JPEG WebSocket.
func (a *VideoAdapter) SfuSubscribe(conn *websocket.Conn) {
	a.registry.Accept(conn, internal_registry.RoleSfuVideo)
}

// Viewer admits a viewer; a late joiner immediately receives the most
// recent frame.
func (a *VideoAdapter) Viewer(conn *websocket.Conn) {
	client := a.registry.Accept(conn, internal_registry.RoleViewer)

	a.frameMu.Lock()
	frame := a.lastFrame
	a.frameMu.Unlock()
	if frame != nil {
		client.SendBinary(frame)
	}
}

// onClientBinary unwraps one SFU packet and fans the JPEG bytes out.
func (a *VideoAdapter) onClientBinary(client *internal_registry.Client, payload []byte) {
	if client.Role != internal_registry.RoleSfuVideo {
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

	frame := make([]byte, len(pkt.Payload))
	copy(frame, pkt.Payload)
	a.frameMu.Lock()
	a.lastFrame = frame
	a.frameMu.Unlock()

	a.registry.Broadcast(internal_registry.RoleViewer, frame)
}

// Destroy is the hard teardown for the Video flavor.
func (a *VideoAdapter) Destroy(ctx context.Context) error {
	a.registry.CloseAll(websocket.CloseNormalClosure, DestroyedReason)

	a.frameMu.Lock()
	a.lastFrame = nil
	a.frameMu.Unlock()

	if err := a.state.UpdateSkipAlarm(ctx, func(s *internal_store.AdapterState) {
		*s = internal_store.AdapterState{}
	}); err != nil {
		a.logger.Errorw("Failed to wipe state on destroy", "session", a.sessionName, "error", err)
	}
	return a.state.DeleteAlarmAndRecord(ctx)
}

// onAlarm: cleanup then inactivity. The video flavor has no keepalive and
// no upstream reconnect.
func (a *VideoAdapter) onAlarm() {
	ctx := context.Background()
	now := time.Now()
	snap := a.state.Snapshot()
	var muts []func(*internal_store.AdapterState)
	rearmInactivity := false

	if expired(snap.CleanupDeadline, now) {
		if a.registry.Empty() {
			rearmInactivity = true
		}
		muts = append(muts, func(s *internal_store.AdapterState) { s.CleanupDeadline = nil })
	}

	if expired(snap.InactivityDeadline, now) {
		// Occupancy counts viewers only; the SFU-side feed never holds the
		// session active and is never closed here.
		if a.registry.Count(internal_registry.RoleViewer) == 0 {
			a.logger.Infow("Closing inactive video session", "session", a.sessionName)
			a.registry.CloseRole(internal_registry.RoleViewer,
				websocket.CloseNormalClosure, InactiveReason)
		}
		muts = append(muts, func(s *internal_store.AdapterState) { s.InactivityDeadline = nil })
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
}
