// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_adapter

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/media-bridge/config"
	internal_sfu "github.com/rapidaai/media-bridge/internal/sfu"
	internal_store "github.com/rapidaai/media-bridge/internal/store"
	"github.com/rapidaai/media-bridge/pkg/commons"
	"github.com/stretchr/testify/require"
)

// fakeSfu answers the few SFU REST calls the adapters make.
type fakeSfu struct {
	*httptest.Server
	mu       sync.Mutex
	requests []string
}

func newFakeSfu(t *testing.T) *fakeSfu {
	t.Helper()
	f := &fakeSfu{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.Path)
		f.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/sessions/new"):
			w.Write([]byte(`{"sessionId":"sfu-sess-1"}`))
		case strings.HasSuffix(r.URL.Path, "/tracks/new"):
			w.Write([]byte(`{
				"sessionDescription":{"type":"answer","sdp":"v=0"},
				"tracks":[{"trackName":"mic-1","mid":"0"},{"trackName":"cam-1","mid":"1"}]}`))
		case strings.HasSuffix(r.URL.Path, "/adapters/websocket/new"):
			w.Write([]byte(`{"sessionId":"ad-sess-1","adapterId":"adapter-1"}`))
		case strings.HasSuffix(r.URL.Path, "/adapters/websocket/close"):
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeSfu) calls(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.requests {
		if strings.HasSuffix(p, suffix) {
			n++
		}
	}
	return n
}

// fakeProvider is a scriptable AI provider WebSocket endpoint.
type fakeProvider struct {
	*httptest.Server
	script func(conn *websocket.Conn)

	mu     sync.Mutex
	binary [][]byte
	text   [][]byte
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	f := &fakeProvider{}
	upgrader := websocket.Upgrader{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				msgType, payload, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f.mu.Lock()
				cp := append([]byte{}, payload...)
				if msgType == websocket.BinaryMessage {
					f.binary = append(f.binary, cp)
				} else {
					f.text = append(f.text, cp)
				}
				f.mu.Unlock()
			}
		}()
		if f.script != nil {
			f.script(conn)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeProvider) wsURL() string {
	return "ws" + strings.TrimPrefix(f.URL, "http")
}

func (f *fakeProvider) receivedText() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.text...)
}

func (f *fakeProvider) receivedBinaryBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.binary {
		n += len(b)
	}
	return n
}

// env is one adapter test environment: fake SFU, fake provider, in-memory
// durable stores keyed by scope.
type env struct {
	deps     Dependencies
	sfu      *fakeSfu
	provider *fakeProvider

	mu     sync.Mutex
	stores map[string]internal_store.DurableStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		sfu:      newFakeSfu(t),
		provider: newFakeProvider(t),
		stores:   make(map[string]internal_store.DurableStore),
	}
	cfg := &config.AppConfig{
		Name:      "media-bridge-test",
		PublicUrl: "wss://bridge.test",
		Sfu: config.SfuConfig{
			ApiUrl:      e.sfu.URL,
			AppId:       "app-1",
			BearerToken: "sfu-token",
		},
		Ai: config.AiConfig{
			ApiToken:   "ai-token",
			TtsModel:   "aura-1",
			SttModel:   "nova-3",
			TtsWsUrl:   e.provider.wsURL(),
			SttWsUrl:   e.provider.wsURL(),
			TtsHttpUrl: "http://127.0.0.1:1/unused",
		},
	}
	e.deps = Dependencies{
		Logger: commons.NewNopLogger(),
		Config: cfg,
		Sfu:    internal_sfu.NewClient(commons.NewNopLogger(), cfg.Sfu),
		NewDurableStore: func(scope string) internal_store.DurableStore {
			e.mu.Lock()
			defer e.mu.Unlock()
			if s, ok := e.stores[scope]; ok {
				return s
			}
			s := internal_store.NewMemoryStore()
			e.stores[scope] = s
			return s
		},
	}
	return e
}

// clientServer exposes an adapter WebSocket entry point as a dialable URL.
func clientServer(t *testing.T, accept func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWs(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	return payload
}

func readText(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return payload
}
