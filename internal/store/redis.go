// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore persists session records in Redis so a restarted process can
// restore its sessions. One store instance is scoped to one session name.
type redisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore scopes a DurableStore to sessionName on the given client.
func NewRedisStore(client redis.UniversalClient, sessionName string) DurableStore {
	return &redisStore{
		client:    client,
		namespace: "media-bridge:" + sessionName,
	}
}

func (r *redisStore) key(k string) string {
	return r.namespace + ":" + k
}

func (r *redisStore) alarmKey() string {
	return r.namespace + ":alarm"
}

func (r *redisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis store: put %q: %w", key, err)
	}
	return nil
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis store: get %q: %w", key, err)
	}
	return v, true, nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis store: delete %q: %w", key, err)
	}
	return nil
}

func (r *redisStore) DeleteAll(ctx context.Context) error {
	// The record layout is a single known key plus the alarm slot, so an
	// explicit delete avoids a SCAN over the namespace.
	if err := r.client.Del(ctx, r.key(StateKey), r.alarmKey()).Err(); err != nil {
		return fmt.Errorf("redis store: delete all: %w", err)
	}
	return nil
}

func (r *redisStore) SetAlarm(ctx context.Context, at time.Time) error {
	val := strconv.FormatInt(at.UnixMilli(), 10)
	if err := r.client.Set(ctx, r.alarmKey(), val, 0).Err(); err != nil {
		return fmt.Errorf("redis store: set alarm: %w", err)
	}
	return nil
}

func (r *redisStore) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	v, err := r.client.Get(ctx, r.alarmKey()).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis store: get alarm: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis store: corrupt alarm value %q: %w", v, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (r *redisStore) DeleteAlarm(ctx context.Context) error {
	if err := r.client.Del(ctx, r.alarmKey()).Err(); err != nil {
		return fmt.Errorf("redis store: delete alarm: %w", err)
	}
	return nil
}
