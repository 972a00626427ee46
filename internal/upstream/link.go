// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/media-bridge/pkg/commons"
	"golang.org/x/sync/singleflight"
)

const (
	// OpenTimeout bounds the WebSocket handshake with the provider.
	OpenTimeout = 10 * time.Second

	// MaxReconnectAttempts caps automatic redials before giving up.
	MaxReconnectAttempts = 5
)

// ErrNotConnected is returned by sends while the link is down.
var ErrNotConnected = errors.New("upstream: not connected")

// ReconnectBackoff returns the delay before redial number attempts+1,
// doubling from one second up to a thirty second ceiling.
func ReconnectBackoff(attempts int) time.Duration {
	if attempts > 5 {
		attempts = 5
	}
	d := time.Duration(1000<<attempts) * time.Millisecond
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// AuthHeader builds the provider's authorization header. The provider
// refuses secrets on the raw WebSocket handshake; the bearer header is the
// only accepted channel.
func AuthHeader(apiToken string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiToken)
	return h
}

// State of the upstream link.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Callbacks receive frames and lifecycle events from the read loop. They run
// on the link's reader goroutine; handlers must not block on it.
type Callbacks struct {
	OnBinary  func(payload []byte)
	OnMessage func(msg Message)
	OnClosed  func(err error)
}

// Link is a deduplicated WebSocket connection to the AI provider. Ensure may
// be called from any number of goroutines; concurrent callers while the link
// is down share a single dial, so exactly one provider connection exists per
// link at any time.
type Link struct {
	logger    commons.Logger
	url       string
	header    http.Header
	callbacks Callbacks
	dialer    *websocket.Dialer

	group singleflight.Group

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	gen   uint64

	writeMu sync.Mutex
}

// NewLink builds a disconnected link for the given provider URL.
func NewLink(logger commons.Logger, url string, header http.Header, callbacks Callbacks) *Link {
	return &Link{
		logger:    logger,
		url:       url,
		header:    header,
		callbacks: callbacks,
		dialer: &websocket.Dialer{
			HandshakeTimeout: OpenTimeout,
		},
	}
}

// State reports the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ensure opens the link if it is not already open. Concurrent callers are
// collapsed onto one dial; every caller observes the same outcome.
func (l *Link) Ensure(ctx context.Context) error {
	l.mu.Lock()
	if l.state == Connected {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	_, err, _ := l.group.Do("dial", func() (any, error) {
		l.mu.Lock()
		if l.state == Connected {
			l.mu.Unlock()
			return nil, nil
		}
		l.state = Connecting
		l.mu.Unlock()

		conn, resp, err := l.dialer.DialContext(ctx, l.url, l.header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			l.mu.Lock()
			l.state = Disconnected
			l.mu.Unlock()
			return nil, fmt.Errorf("upstream: dial %s: %w", l.url, err)
		}

		l.mu.Lock()
		l.conn = conn
		l.state = Connected
		l.gen++
		gen := l.gen
		l.mu.Unlock()

		l.logger.Infow("Upstream link connected", "url", l.url)
		go l.readLoop(conn, gen)
		return nil, nil
	})
	return err
}

func (l *Link) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			l.handleReadExit(gen, err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if l.callbacks.OnBinary != nil {
				l.callbacks.OnBinary(payload)
			}
		case websocket.TextMessage:
			msg, err := Decode(payload)
			if err != nil {
				l.logger.Warnw("Dropping undecodable upstream frame", "error", err)
				continue
			}
			if l.callbacks.OnMessage != nil {
				l.callbacks.OnMessage(msg)
			}
		}
	}
}

// handleReadExit tears down the connection the exiting reader owned. A stale
// generation means the link was deliberately closed or already replaced, in
// which case the closed callback stays silent.
func (l *Link) handleReadExit(gen uint64, err error) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.state = Disconnected
	l.mu.Unlock()

	l.logger.Warnw("Upstream link dropped", "url", l.url, "error", err)
	if l.callbacks.OnClosed != nil {
		l.callbacks.OnClosed(err)
	}
}

func (l *Link) currentConn() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connected {
		return nil
	}
	return l.conn
}

// SendBinary ships one binary frame upstream.
func (l *Link) SendBinary(payload []byte) error {
	return l.send(websocket.BinaryMessage, payload)
}

// SendText ships one text frame upstream.
func (l *Link) SendText(payload []byte) error {
	return l.send(websocket.TextMessage, payload)
}

func (l *Link) send(msgType int, payload []byte) error {
	conn := l.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.WriteMessage(msgType, payload); err != nil {
		return fmt.Errorf("upstream: write: %w", err)
	}
	return nil
}

// Close shuts the link down deliberately. The closed callback does not fire
// for a deliberate close.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.state = Disconnected
	l.gen++
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	l.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return conn.Close()
}
