// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_adapter

import (
	"context"
	"sync"
)

// Session bundles the three adapter flavors of one named session.
type Session struct {
	Name  string
	Tts   *TtsAdapter
	Stt   *SttAdapter
	Video *VideoAdapter
}

// Host owns the live session instances. Exactly one instance exists per
// session name; construction restores persisted state before any handler
// can touch the session.
type Host struct {
	deps Dependencies

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHost builds an empty host.
func NewHost(deps Dependencies) *Host {
	return &Host{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Session returns the live instance for name, constructing and restoring it
// on first use. Construction runs under the host lock so no request handler
// observes a half-restored session.
func (h *Host) Session(ctx context.Context, name string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[name]; ok {
		return s, nil
	}

	tts, err := NewTtsAdapter(ctx, h.deps, name)
	if err != nil {
		return nil, err
	}
	stt, err := NewSttAdapter(ctx, h.deps, name)
	if err != nil {
		return nil, err
	}
	video, err := NewVideoAdapter(ctx, h.deps, name)
	if err != nil {
		return nil, err
	}

	s := &Session{Name: name, Tts: tts, Stt: stt, Video: video}
	h.sessions[name] = s
	return s, nil
}

// Destroy hard-tears-down every flavor of the named session and forgets the
// instance. Destroying a session that was never constructed still wipes any
// persisted leftovers.
func (h *Host) Destroy(ctx context.Context, name string) error {
	s, err := h.Session(ctx, name)
	if err != nil {
		return err
	}

	var firstErr error
	if err := s.Tts.Destroy(ctx); err != nil {
		firstErr = err
	}
	if err := s.Stt.Destroy(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Video.Destroy(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	h.mu.Lock()
	delete(h.sessions, name)
	h.mu.Unlock()
	return firstErr
}
