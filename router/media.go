// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package media_routers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rapidaai/media-bridge/config"
	internal_adapter "github.com/rapidaai/media-bridge/internal/adapter"
	internal_sfu "github.com/rapidaai/media-bridge/internal/sfu"
	"github.com/rapidaai/media-bridge/pkg/commons"
)

type mediaApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	host     *internal_adapter.Host
	upgrader websocket.Upgrader
}

// MediaRoutes wires the per-session control plane onto the engine.
func MediaRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, host *internal_adapter.Host) {
	api := &mediaApi{
		cfg:    cfg,
		logger: logger,
		host:   host,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	session := engine.Group("/:sid")
	{
		session.GET("/publisher", api.publisherPage)
		session.GET("/player", api.playerPage)
		session.DELETE("", api.destroy)

		session.POST("/publish", api.ttsPublish)
		session.POST("/unpublish", api.ttsUnpublish)
		session.POST("/connect", api.ttsConnect)
		session.POST("/generate", api.ttsGenerate)
		session.GET("/subscribe", api.ttsSubscribe)

		stt := session.Group("/stt")
		{
			stt.POST("/connect", api.sttConnect)
			stt.POST("/start-forwarding", api.sttStartForwarding)
			stt.POST("/stop-forwarding", api.sttStopForwarding)
			stt.POST("/reconnect-upstream", api.sttReconnectUpstream)
			stt.GET("/sfu-subscribe", api.sttSfuSubscribe)
			stt.GET("/transcription-stream", api.sttTranscriptionStream)
		}

		video := session.Group("/video")
		{
			video.POST("/connect", api.videoConnect)
			video.POST("/start-forwarding", api.videoStartForwarding)
			video.POST("/stop-forwarding", api.videoStopForwarding)
			video.GET("/sfu-subscribe", api.videoSfuSubscribe)
			video.GET("/viewer", api.videoViewer)
		}
	}
}

type publishBody struct {
	Speaker string `json:"speaker" binding:"required"`
}

type generateBody struct {
	Text string `json:"text" binding:"required"`
}

type connectBody struct {
	SessionDescription struct {
		Type string `json:"type"`
		Sdp  string `json:"sdp"`
	} `json:"sessionDescription" binding:"required"`
}

func (m *mediaApi) session(c *gin.Context) (*internal_adapter.Session, bool) {
	s, err := m.host.Session(c.Request.Context(), c.Param("sid"))
	if err != nil {
		m.logger.Errorw("Failed to build session instance", "sid", c.Param("sid"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return s, true
}

// fail maps the adapter error taxonomy onto HTTP statuses. SFU failures are
// surfaced with the SFU body untouched.
func (m *mediaApi) fail(c *gin.Context, err error) {
	var sfuErr *internal_sfu.Error
	switch {
	case errors.Is(err, internal_adapter.ErrAlreadyPublished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, internal_adapter.ErrNotPublished),
		errors.Is(err, internal_adapter.ErrNotConnected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &sfuErr):
		c.Data(http.StatusInternalServerError, "application/json", sfuErr.Body)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (m *mediaApi) upgrade(c *gin.Context) (*websocket.Conn, bool) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warnw("WebSocket upgrade failed", "sid", c.Param("sid"), "error", err)
		return nil, false
	}
	return conn, true
}

// --- Shared ---

func (m *mediaApi) destroy(c *gin.Context) {
	if err := m.host.Destroy(c.Request.Context(), c.Param("sid")); err != nil {
		m.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "destroying"})
}

// --- TTS ---

func (m *mediaApi) ttsPublish(c *gin.Context) {
	var body publishBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := m.session(c)
	if !ok {
		return
	}
	answer, err := s.Tts.Publish(c.Request.Context(), body.Speaker)
	if err != nil {
		m.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", answer)
}

func (m *mediaApi) ttsUnpublish(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if err := s.Tts.Unpublish(c.Request.Context()); err != nil {
		m.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unpublished"})
}

func (m *mediaApi) ttsConnect(c *gin.Context) {
	var body connectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := m.session(c)
	if !ok {
		return
	}
	answer, err := s.Tts.Connect(c.Request.Context(), body.SessionDescription.Sdp)
	if err != nil {
		m.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", answer)
}

func (m *mediaApi) ttsGenerate(c *gin.Context) {
	var body generateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := m.session(c)
	if !ok {
		return
	}
	if err := s.Tts.Generate(c.Request.Context(), body.Text); err != nil {
		m.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "generating"})
}

func (m *mediaApi) ttsSubscribe(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if conn, ok := m.upgrade(c); ok {
		s.Tts.Subscribe(conn)
	}
}

// --- STT ---

func (m *mediaApi) sttConnect(c *gin.Context) {
	var body connectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := m.session(c)
	if !ok {
		return
	}
	answer, err := s.Stt.Connect(c.Request.Context(), body.SessionDescription.Sdp)
	if err != nil {
		m.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", answer)
}

func (m *mediaApi) sttStartForwarding(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	already, err := s.Stt.StartForwarding(c.Request.Context())
	if err != nil {
		m.fail(c, err)
		return
	}
	if already {
		c.JSON(http.StatusOK, gin.H{"status": "already_active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "forwarding"})
}

func (m *mediaApi) sttStopForwarding(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if err := s.Stt.StopForwarding(c.Request.Context()); err != nil {
		m.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (m *mediaApi) sttReconnectUpstream(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	msg, err := s.Stt.ReconnectUpstream(c.Request.Context())
	if err != nil {
		m.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": msg})
}

func (m *mediaApi) sttSfuSubscribe(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if conn, ok := m.upgrade(c); ok {
		s.Stt.SfuSubscribe(conn)
	}
}

func (m *mediaApi) sttTranscriptionStream(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if conn, ok := m.upgrade(c); ok {
		s.Stt.TranscriptionStream(conn)
	}
}

// --- Video ---

func (m *mediaApi) videoConnect(c *gin.Context) {
	var body connectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := m.session(c)
	if !ok {
		return
	}
	answer, err := s.Video.Connect(c.Request.Context(), body.SessionDescription.Sdp)
	if err != nil {
		m.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", answer)
}

func (m *mediaApi) videoStartForwarding(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	already, err := s.Video.StartForwarding(c.Request.Context())
	if err != nil {
		m.fail(c, err)
		return
	}
	if already {
		c.JSON(http.StatusOK, gin.H{"status": "already_active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "forwarding"})
}

func (m *mediaApi) videoStopForwarding(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if err := s.Video.StopForwarding(c.Request.Context()); err != nil {
		m.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (m *mediaApi) videoSfuSubscribe(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if conn, ok := m.upgrade(c); ok {
		s.Video.SfuSubscribe(conn)
	}
}

func (m *mediaApi) videoViewer(c *gin.Context) {
	s, ok := m.session(c)
	if !ok {
		return
	}
	if conn, ok := m.upgrade(c); ok {
		s.Video.Viewer(conn)
	}
}
