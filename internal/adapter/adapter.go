// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rapidaai/media-bridge/config"
	internal_packet "github.com/rapidaai/media-bridge/internal/packet"
	internal_registry "github.com/rapidaai/media-bridge/internal/registry"
	internal_sfu "github.com/rapidaai/media-bridge/internal/sfu"
	internal_store "github.com/rapidaai/media-bridge/internal/store"
	internal_upstream "github.com/rapidaai/media-bridge/internal/upstream"
	"github.com/rapidaai/media-bridge/pkg/commons"
)

// MaxChunkBytes caps every frame shipped to a client WebSocket.
const MaxChunkBytes = 16 * 1024

// Close reasons shared across the adapter flavors.
const (
	DestroyedReason   = "Session destroyed"
	InactiveReason    = "Session inactive"
	UnpublishedReason = "Unpublished"
)

// Precondition failures surfaced to the router as 4xx.
var (
	ErrAlreadyPublished = errors.New("track already published")
	ErrNotPublished     = errors.New("track has not been published")
	ErrNotConnected     = errors.New("session has not been connected")
)

// Dependencies are the collaborators shared by every session adapter.
type Dependencies struct {
	Logger commons.Logger
	Config *config.AppConfig
	Sfu    *internal_sfu.Client

	// NewDurableStore builds the persistence scope for one adapter record.
	NewDurableStore func(scope string) internal_store.DurableStore
}

// base carries the pieces every flavor owns: the persisted state, the
// accepted client set, and the session identity.
type base struct {
	logger      commons.Logger
	cfg         *config.AppConfig
	sfu         *internal_sfu.Client
	state       *internal_store.StateStore
	registry    *internal_registry.Registry
	sessionName string
}

func newBase(deps Dependencies, sessionName, scope string) *base {
	return &base{
		logger:      deps.Logger,
		cfg:         deps.Config,
		sfu:         deps.Sfu,
		state:       internal_store.NewStateStore(deps.Logger, deps.NewDurableStore(scope)),
		sessionName: sessionName,
	}
}

// endpoint builds the externally reachable WebSocket URL the SFU dials back.
func (b *base) endpoint(path string) string {
	return strings.TrimRight(b.cfg.PublicUrl, "/") + "/" + b.sessionName + path
}

// expired reports whether a deadline field has come due.
func expired(d *time.Time, now time.Time) bool {
	return d != nil && !d.After(now)
}

// nowMillis is the packet timestamp clock, truncated to 32 bits on encode.
func nowMillis() uint32 {
	return uint32(time.Now().UnixMilli())
}

// encodeChunks splits payload into packets of at most MaxChunkBytes,
// stamping consecutive sequence numbers starting at *seq.
func encodeChunks(payload []byte, seq *uint32) [][]byte {
	var frames [][]byte
	for offset := 0; offset < len(payload); offset += MaxChunkBytes {
		end := offset + MaxChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, internal_packet.Encode(internal_packet.Packet{
			Sequence:  *seq,
			Timestamp: nowMillis(),
			Payload:   payload[offset:end],
		}))
		*seq++
	}
	return frames
}

// scheduleReconnect books the next backoff attempt, respecting the attempt
// cap and the reconnect gate.
func (b *base) scheduleReconnect(ctx context.Context) {
	snap := b.state.Snapshot()
	if !snap.AllowReconnect || snap.ReconnectAttempts >= internal_upstream.MaxReconnectAttempts {
		b.logger.Infow("Not scheduling upstream reconnect",
			"session", b.sessionName,
			"allowReconnect", snap.AllowReconnect,
			"attempts", snap.ReconnectAttempts)
		return
	}
	delay := internal_upstream.ReconnectBackoff(snap.ReconnectAttempts)
	if err := b.state.Update(ctx, func(s *internal_store.AdapterState) {
		s.ReconnectAttempts++
	}); err != nil {
		b.logger.Errorw("Failed to persist reconnect attempt", "session", b.sessionName, "error", err)
		return
	}
	if err := b.state.ScheduleReconnect(ctx, time.Now().Add(delay)); err != nil {
		b.logger.Errorw("Failed to schedule reconnect", "session", b.sessionName, "error", err)
	}
	b.logger.Infow("Upstream reconnect scheduled",
		"session", b.sessionName, "delay", delay, "attempts", snap.ReconnectAttempts+1)
}
