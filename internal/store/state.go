// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/media-bridge/pkg/commons"
)

// StateKey is the single logical key holding the session record.
const StateKey = "state"

// Deadline policy constants shared by all adapter flavors.
const (
	DefaultInactivityTimeout = 10 * time.Minute
	CleanupGrace             = 100 * time.Millisecond
	KeepAliveInterval        = 5 * time.Second
	DeadlineChurnGuard       = 250 * time.Millisecond
	InactivityChurnGuard     = time.Second
	DebugNoClientGrace       = 30 * time.Second
)

// AdapterState is the one persisted record per session. Pointer fields are
// optional: absence is semantically distinct from the zero value.
type AdapterState struct {
	SessionName       string `json:"sessionName,omitempty"`
	AllowReconnect    bool   `json:"allowReconnect,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts,omitempty"`

	ReconnectDeadline  *time.Time `json:"reconnectDeadline,omitempty"`
	InactivityDeadline *time.Time `json:"inactivityDeadline,omitempty"`
	CleanupDeadline    *time.Time `json:"cleanupDeadline,omitempty"`
	KeepAliveDeadline  *time.Time `json:"keepAliveDeadline,omitempty"`

	UpstreamSessionId string `json:"upstreamSessionId,omitempty"`
	UpstreamAdapterId string `json:"upstreamAdapterId,omitempty"`

	PendingFinalize        bool `json:"pendingFinalize,omitempty"`
	PendingClose           bool `json:"pendingClose,omitempty"`
	ClosingDueToInactivity bool `json:"closingDueToInactivity,omitempty"`

	SelectedVoice  string `json:"selectedVoice,omitempty"`
	MicTrackName   string `json:"micTrackName,omitempty"`
	SfuCallbackUrl string `json:"sfuCallbackUrl,omitempty"`
	VideoTrackName string `json:"videoTrackName,omitempty"`
}

// earliestDeadline returns min over the defined deadline fields, or nil.
func (s *AdapterState) earliestDeadline() *time.Time {
	var min *time.Time
	for _, d := range []*time.Time{s.ReconnectDeadline, s.InactivityDeadline, s.CleanupDeadline, s.KeepAliveDeadline} {
		if d == nil {
			continue
		}
		if min == nil || d.Before(*min) {
			t := *d
			min = &t
		}
	}
	return min
}

// clone deep-copies the record (pointer deadlines included).
func (s *AdapterState) clone() AdapterState {
	cp := *s
	cloneTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	cp.ReconnectDeadline = cloneTime(s.ReconnectDeadline)
	cp.InactivityDeadline = cloneTime(s.InactivityDeadline)
	cp.CleanupDeadline = cloneTime(s.CleanupDeadline)
	cp.KeepAliveDeadline = cloneTime(s.KeepAliveDeadline)
	return cp
}

// StateStore wraps a DurableStore with an in-memory mirror of the record
// and owns the alarm: after every non-suppressed mutation it recomputes the
// next alarm instant as the minimum of the defined deadline fields, persists
// it, and (re)arms a local timer that invokes the registered handler.
// Adapters never set alarms directly; they only write deadline fields.
type StateStore struct {
	mu      sync.Mutex
	logger  commons.Logger
	durable DurableStore

	state    AdapterState
	restored bool

	timer   *time.Timer
	armedAt *time.Time
	onAlarm func()

	// now is swappable in tests.
	now func() time.Time
}

// NewStateStore builds an un-restored StateStore. Restore must run before
// any other method observes the mirror.
func NewStateStore(logger commons.Logger, durable DurableStore) *StateStore {
	return &StateStore{
		logger:  logger,
		durable: durable,
		now:     time.Now,
	}
}

// SetAlarmHandler registers the alarm reducer entry point. The handler runs
// on its own goroutine; it is expected to serialize against the adapter.
func (s *StateStore) SetAlarmHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAlarm = fn
}

// Restore loads the persisted record into the mirror and re-arms the
// persisted alarm, if any. It runs once, inside the adapter's construction
// gate, before any request handler can observe the store.
func (s *StateStore) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored {
		return nil
	}

	raw, ok, err := s.durable.Get(ctx, StateKey)
	if err != nil {
		return fmt.Errorf("state: restore: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &s.state); err != nil {
			return fmt.Errorf("state: corrupt record: %w", err)
		}
	}

	if at, set, err := s.durable.GetAlarm(ctx); err == nil && set {
		s.armTimerLocked(at)
	} else if err != nil {
		s.logger.Warnw("Failed to read persisted alarm on restore", "error", err)
	}

	s.restored = true
	return nil
}

// Snapshot returns a deep copy of the current record.
func (s *StateStore) Snapshot() AdapterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies mutate to the mirror, persists the record, and recomputes
// the alarm.
func (s *StateStore) Update(ctx context.Context, mutate func(*AdapterState)) error {
	return s.update(ctx, mutate, false)
}

// UpdateSkipAlarm applies mutate and persists without touching the alarm.
// Used by destroy, which wipes deadlines and then deletes the alarm itself.
func (s *StateStore) UpdateSkipAlarm(ctx context.Context, mutate func(*AdapterState)) error {
	return s.update(ctx, mutate, true)
}

func (s *StateStore) update(ctx context.Context, mutate func(*AdapterState), skipAlarm bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mutate(&s.state)

	raw, err := json.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	if err := s.durable.Put(ctx, StateKey, raw); err != nil {
		return fmt.Errorf("state: persist: %w", err)
	}
	if skipAlarm {
		return nil
	}
	return s.rescheduleAlarmLocked(ctx)
}

// RescheduleAlarm recomputes the alarm from the current deadline fields.
func (s *StateStore) RescheduleAlarm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescheduleAlarmLocked(ctx)
}

func (s *StateStore) rescheduleAlarmLocked(ctx context.Context) error {
	next := s.state.earliestDeadline()
	if next == nil {
		if s.armedAt != nil {
			if err := s.durable.DeleteAlarm(ctx); err != nil {
				return fmt.Errorf("state: delete alarm: %w", err)
			}
			s.disarmTimerLocked()
		}
		return nil
	}
	if s.armedAt != nil && s.armedAt.Equal(*next) {
		return nil
	}
	if err := s.durable.SetAlarm(ctx, *next); err != nil {
		return fmt.Errorf("state: set alarm: %w", err)
	}
	s.armTimerLocked(*next)
	return nil
}

func (s *StateStore) armTimerLocked(at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	t := at
	s.armedAt = &t
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.armedAt = nil
		handler := s.onAlarm
		s.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
}

func (s *StateStore) disarmTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedAt = nil
}

// DeleteAlarmAndRecord is the destroy tail: removes the alarm slot and the
// persisted record, and clears the mirror.
func (s *StateStore) DeleteAlarmAndRecord(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmTimerLocked()
	if err := s.durable.DeleteAlarm(ctx); err != nil {
		return fmt.Errorf("state: delete alarm: %w", err)
	}
	if err := s.durable.DeleteAll(ctx); err != nil {
		return fmt.Errorf("state: delete record: %w", err)
	}
	s.state = AdapterState{}
	return nil
}

// HasRecord reports whether a persisted record currently exists.
func (s *StateStore) HasRecord(ctx context.Context) (bool, error) {
	_, ok, err := s.durable.Get(ctx, StateKey)
	return ok, err
}

// --- Deadline scheduling policies ---

// ScheduleInactivity arms the inactivity deadline at now+d. The deadline is
// earliest-wins monotonic: it is never shortened once set, and rewrites
// within the churn guard window are skipped.
func (s *StateStore) ScheduleInactivity(ctx context.Context, d time.Duration) error {
	target := s.now().Add(d)
	return s.Update(ctx, func(st *AdapterState) {
		if st.InactivityDeadline != nil {
			if target.Before(*st.InactivityDeadline) {
				return
			}
			if target.Sub(*st.InactivityDeadline) < InactivityChurnGuard {
				return
			}
		}
		st.InactivityDeadline = &target
	})
}

// ScheduleCleanup arms the cleanup deadline at now+CleanupGrace unless an
// earlier one is already pending.
func (s *StateStore) ScheduleCleanup(ctx context.Context) error {
	target := s.now().Add(CleanupGrace)
	return s.Update(ctx, func(st *AdapterState) {
		if st.CleanupDeadline != nil && st.CleanupDeadline.Before(target) {
			return
		}
		st.CleanupDeadline = &target
	})
}

// ScheduleKeepAlive arms the keep-alive deadline at now+KeepAliveInterval.
func (s *StateStore) ScheduleKeepAlive(ctx context.Context) error {
	target := s.now().Add(KeepAliveInterval)
	return s.Update(ctx, func(st *AdapterState) {
		st.KeepAliveDeadline = &target
	})
}

// ScheduleReconnect writes the reconnect deadline only when it is earlier
// than the currently armed one by more than the churn guard.
func (s *StateStore) ScheduleReconnect(ctx context.Context, at time.Time) error {
	return s.Update(ctx, func(st *AdapterState) {
		if st.ReconnectDeadline != nil && st.ReconnectDeadline.Sub(at) < DeadlineChurnGuard {
			return
		}
		st.ReconnectDeadline = &at
	})
}

// SetNowFunc overrides the clock. Test hook.
func (s *StateStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}
