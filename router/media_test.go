// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package media_routers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rapidaai/media-bridge/config"
	internal_adapter "github.com/rapidaai/media-bridge/internal/adapter"
	internal_sfu "github.com/rapidaai/media-bridge/internal/sfu"
	internal_store "github.com/rapidaai/media-bridge/internal/store"
	"github.com/rapidaai/media-bridge/pkg/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sfuSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sessions/new"):
			w.Write([]byte(`{"sessionId":"sfu-sess-1"}`))
		case strings.HasSuffix(r.URL.Path, "/tracks/new"):
			w.Write([]byte(`{"sessionDescription":{"type":"answer","sdp":"v=0"},"tracks":[{"trackName":"mic-1","mid":"0"},{"trackName":"cam-1","mid":"1"}]}`))
		case strings.HasSuffix(r.URL.Path, "/adapters/websocket/new"):
			w.Write([]byte(`{"sessionId":"ad-sess-1","adapterId":"adapter-1"}`))
		case strings.HasSuffix(r.URL.Path, "/adapters/websocket/close"):
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(sfuSrv.Close)

	cfg := &config.AppConfig{
		Name:      "media-bridge-test",
		PublicUrl: "wss://bridge.test",
		Sfu: config.SfuConfig{
			ApiUrl:      sfuSrv.URL,
			AppId:       "app-1",
			BearerToken: "token",
		},
		Ai: config.AiConfig{
			ApiToken: "ai-token",
			TtsModel: "aura-1",
			SttModel: "nova-3",
			// Provider dials fail fast; publish treats that as non-fatal.
			TtsWsUrl:   "ws://127.0.0.1:1",
			SttWsUrl:   "ws://127.0.0.1:1",
			TtsHttpUrl: "http://127.0.0.1:1",
		},
	}

	var mu sync.Mutex
	stores := make(map[string]internal_store.DurableStore)
	logger := commons.NewNopLogger()
	host := internal_adapter.NewHost(internal_adapter.Dependencies{
		Logger: logger,
		Config: cfg,
		Sfu:    internal_sfu.NewClient(logger, cfg.Sfu),
		NewDurableStore: func(scope string) internal_store.DurableStore {
			mu.Lock()
			defer mu.Unlock()
			if s, ok := stores[scope]; ok {
				return s
			}
			s := internal_store.NewMemoryStore()
			stores[scope] = s
			return s
		},
	})
	return New(cfg, logger, host)
}

func do(t *testing.T, engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	engine := newTestEngine(t)
	assert.Equal(t, http.StatusOK, do(t, engine, "GET", "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, engine, "GET", "/readiness", "").Code)
}

func TestStaticPages(t *testing.T) {
	engine := newTestEngine(t)
	rec := do(t, engine, "GET", "/s1/publisher", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Publisher")

	rec = do(t, engine, "GET", "/s1/player", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Player")
}

func TestTtsPublish_SuccessThenConflict(t *testing.T) {
	engine := newTestEngine(t)

	rec := do(t, engine, "POST", "/s1/publish", `{"speaker":"zeus"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adapter-1")

	rec = do(t, engine, "POST", "/s1/publish", `{"speaker":"zeus"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTtsPublish_MissingSpeakerIsBadRequest(t *testing.T) {
	engine := newTestEngine(t)
	rec := do(t, engine, "POST", "/s1/publish", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTtsUnpublish_BeforePublishIsBadRequest(t *testing.T) {
	engine := newTestEngine(t)
	rec := do(t, engine, "POST", "/s1/unpublish", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTtsConnect_BeforePublishIsBadRequest(t *testing.T) {
	engine := newTestEngine(t)
	rec := do(t, engine, "POST", "/s1/connect",
		`{"sessionDescription":{"type":"offer","sdp":"v=0"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTtsGenerate_IsAccepted(t *testing.T) {
	engine := newTestEngine(t)
	require.Equal(t, http.StatusOK,
		do(t, engine, "POST", "/s1/publish", `{"speaker":"zeus"}`).Code)

	rec := do(t, engine, "POST", "/s1/generate", `{"text":"hi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSttLifecycleStatuses(t *testing.T) {
	engine := newTestEngine(t)

	rec := do(t, engine, "POST", "/s2/stt/start-forwarding", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "start before connect")

	rec = do(t, engine, "POST", "/s2/stt/connect",
		`{"sessionDescription":{"type":"offer","sdp":"v=0"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "answer")

	rec = do(t, engine, "POST", "/s2/stt/start-forwarding", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, engine, "POST", "/s2/stt/start-forwarding", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already_active")

	rec = do(t, engine, "POST", "/s2/stt/stop-forwarding", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVideoLifecycleStatuses(t *testing.T) {
	engine := newTestEngine(t)

	rec := do(t, engine, "POST", "/s3/video/connect",
		`{"sessionDescription":{"type":"offer","sdp":"v=0"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, engine, "POST", "/s3/video/start-forwarding", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, engine, "POST", "/s3/video/stop-forwarding", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDestroy_IsAccepted(t *testing.T) {
	engine := newTestEngine(t)
	require.Equal(t, http.StatusOK,
		do(t, engine, "POST", "/s4/publish", `{"speaker":"zeus"}`).Code)

	rec := do(t, engine, "DELETE", "/s4", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// The name is publishable again after destroy.
	rec = do(t, engine, "POST", "/s4/publish", `{"speaker":"hera"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}
