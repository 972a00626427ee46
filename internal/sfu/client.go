// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rapidaai/media-bridge/config"
	"github.com/rapidaai/media-bridge/pkg/commons"
)

// Error is a non-2xx answer from the SFU REST API. The raw body is kept so
// callers can surface it verbatim.
type Error struct {
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("sfu: status %d: %s", e.StatusCode, string(e.Body))
}

// SessionDescription is the SDP half of an offer/answer exchange.
type SessionDescription struct {
	Type string `json:"type"`
	Sdp  string `json:"sdp"`
}

type trackRequest struct {
	Location    string `json:"location"`
	TrackName   string `json:"trackName,omitempty"`
	SessionId   string `json:"sessionId,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	InputCodec  string `json:"inputCodec,omitempty"`
	OutputCodec string `json:"outputCodec,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

type trackResult struct {
	TrackName        string `json:"trackName,omitempty"`
	Mid              string `json:"mid,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

type newSessionResponse struct {
	SessionId string `json:"sessionId"`
}

type tracksResponse struct {
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks             []trackResult       `json:"tracks,omitempty"`
}

type adapterResponse struct {
	SessionId string        `json:"sessionId,omitempty"`
	AdapterId string        `json:"adapterId,omitempty"`
	Tracks    []trackResult `json:"tracks,omitempty"`
}

// TracksAnswer is the result of a tracks negotiation: the SFU answer JSON
// plus the names of the tracks it discovered.
type TracksAnswer struct {
	Json       json.RawMessage
	TrackNames []string
}

// WebSocketAdapter identifies an SFU-side track-to-WebSocket binding.
type WebSocketAdapter struct {
	SessionId string
	AdapterId string
	Json      json.RawMessage
}

// Client talks to the SFU REST API for one application.
type Client struct {
	logger commons.Logger
	http   *resty.Client
	appId  string
}

// NewClient builds an SFU client from the application config.
func NewClient(logger commons.Logger, cfg config.SfuConfig) *Client {
	return &Client{
		logger: logger,
		http: resty.New().
			SetBaseURL(cfg.ApiUrl).
			SetAuthToken(cfg.BearerToken).
			SetHeader("Content-Type", "application/json"),
		appId: cfg.AppId,
	}
}

func (c *Client) appPath(suffix string) string {
	return fmt.Sprintf("/apps/%s%s", c.appId, suffix)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("sfu: %s: %w", path, err)
	}
	raw := resp.Body()
	if !resp.IsSuccess() {
		return raw, &Error{StatusCode: resp.StatusCode(), Body: raw}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("sfu: %s: decode: %w", path, err)
		}
	}
	return raw, nil
}

// CreateSession opens a fresh SFU session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out newSessionResponse
	if _, err := c.post(ctx, c.appPath("/sessions/new"), map[string]any{}, &out); err != nil {
		return "", err
	}
	if out.SessionId == "" {
		return "", fmt.Errorf("sfu: new session returned no sessionId")
	}
	return out.SessionId, nil
}

// AddTracksAutoDiscover negotiates the offer into sessionId, letting the SFU
// discover the published tracks, and returns the answer plus the discovered
// track names whose mid hints at the given kind ("audio" or "video"). The
// kind filter matches on the transceiver mid prefix the browser assigns.
func (c *Client) AddTracksAutoDiscover(ctx context.Context, sessionId, sdp, kind string) (*TracksAnswer, error) {
	body := map[string]any{
		"sessionDescription": SessionDescription{Type: "offer", Sdp: sdp},
		"autoDiscover":       true,
	}
	var out tracksResponse
	raw, err := c.post(ctx, c.appPath("/sessions/"+sessionId+"/tracks/new"), body, &out)
	if err != nil {
		return nil, err
	}
	answer := &TracksAnswer{Json: json.RawMessage(raw)}
	for _, tr := range out.Tracks {
		if tr.ErrorCode != "" {
			continue
		}
		if kind == "" || trackKind(tr.Mid) == kind {
			answer.TrackNames = append(answer.TrackNames, tr.TrackName)
		}
	}
	return answer, nil
}

// trackKind maps a transceiver mid to a media kind. Browsers allocate audio
// transceivers before video on a fresh peer connection, so mid 0 is audio
// and higher mids are video when both are present.
func trackKind(mid string) string {
	if mid == "0" {
		return "audio"
	}
	return "video"
}

// PullRemoteTrackToPlayer negotiates pulling publisher's track into the
// player session and returns the SFU answer.
func (c *Client) PullRemoteTrackToPlayer(ctx context.Context, playerSessionId, publisherSessionId, trackName, sdp string) (json.RawMessage, error) {
	body := map[string]any{
		"sessionDescription": SessionDescription{Type: "offer", Sdp: sdp},
		"tracks": []trackRequest{{
			Location:  "remote",
			SessionId: publisherSessionId,
			TrackName: trackName,
		}},
	}
	raw, err := c.post(ctx, c.appPath("/sessions/"+playerSessionId+"/tracks/new"), body, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// PushTrackFromWebSocket registers a track the SFU fills by dialing our
// WebSocket endpoint and reading buffered PCM from it.
func (c *Client) PushTrackFromWebSocket(ctx context.Context, trackName, endpoint string) (*WebSocketAdapter, error) {
	body := map[string]any{
		"tracks": []trackRequest{{
			Location:   "local",
			TrackName:  trackName,
			Endpoint:   endpoint,
			InputCodec: "pcm",
			Mode:       "buffer",
		}},
	}
	var out adapterResponse
	raw, err := c.post(ctx, c.appPath("/adapters/websocket/new"), body, &out)
	if err != nil {
		return nil, err
	}
	if out.AdapterId == "" {
		return nil, fmt.Errorf("sfu: push adapter returned no adapterId")
	}
	return &WebSocketAdapter{
		SessionId: out.SessionId,
		AdapterId: out.AdapterId,
		Json:      json.RawMessage(raw),
	}, nil
}

// PullTrackToWebSocket asks the SFU to dial our WebSocket endpoint and push
// the named track's payloads to it, decoded as outputCodec ("pcm" or "jpeg").
func (c *Client) PullTrackToWebSocket(ctx context.Context, sessionId, trackName, endpoint, outputCodec string) (*WebSocketAdapter, error) {
	body := map[string]any{
		"tracks": []trackRequest{{
			Location:    "remote",
			SessionId:   sessionId,
			TrackName:   trackName,
			Endpoint:    endpoint,
			OutputCodec: outputCodec,
		}},
	}
	var out adapterResponse
	raw, err := c.post(ctx, c.appPath("/adapters/websocket/new"), body, &out)
	if err != nil {
		return nil, err
	}
	if out.AdapterId == "" {
		return nil, fmt.Errorf("sfu: pull adapter returned no adapterId")
	}
	return &WebSocketAdapter{
		SessionId: out.SessionId,
		AdapterId: out.AdapterId,
		Json:      json.RawMessage(raw),
	}, nil
}

// CloseWebSocketAdapter tears down an adapter. A 503 whose body reports
// adapter_not_found means it is already gone and counts as success, which
// makes unpublish and stop-forwarding idempotent.
func (c *Client) CloseWebSocketAdapter(ctx context.Context, adapterId string) error {
	body := map[string]any{"adapterId": adapterId}
	raw, err := c.post(ctx, c.appPath("/adapters/websocket/close"), body, nil)
	if err == nil {
		return nil
	}
	var sfuErr *Error
	if errors.As(err, &sfuErr) && sfuErr.StatusCode == 503 {
		var out adapterResponse
		if jsonErr := json.Unmarshal(raw, &out); jsonErr == nil &&
			len(out.Tracks) > 0 && out.Tracks[0].ErrorCode == "adapter_not_found" {
			c.logger.Debugw("SFU adapter already closed", "adapterId", adapterId)
			return nil
		}
	}
	return err
}
