// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rapidaai/media-bridge/pkg/commons"
)

// Role tags an accepted WebSocket with its purpose within a session.
type Role string

const (
	RoleSfuSubscriber Role = "sfu-subscriber"
	RoleSfuAudio      Role = "sfu-audio"
	RoleTranscription Role = "transcription-stream"
	RoleSfuVideo      Role = "sfu-video"
	RoleViewer        Role = "viewer"
)

// SingleSubscriber reports whether at most one OPEN socket of this role may
// exist per session. A newer socket supersedes the older one.
func (r Role) SingleSubscriber() bool {
	switch r {
	case RoleSfuSubscriber, RoleSfuAudio, RoleSfuVideo:
		return true
	}
	return false
}

// SupersededReason is the close reason sent to a subscriber displaced by a
// newer one of the same role.
const SupersededReason = "Superseded by newer subscriber"

// Client is one accepted WebSocket. Writes are serialized internally so the
// registry's fan-out and the adapter's direct sends can interleave safely.
type Client struct {
	Id        string
	Role      Role
	CreatedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// SendBinary ships one binary frame to the client.
func (c *Client) SendBinary(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// SendText ships one text frame to the client.
func (c *Client) SendText(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame with the given code and reason, then drops the
// transport. Safe to call more than once.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Callbacks receive inbound frames and lifecycle events. They run on the
// client's reader goroutine.
type Callbacks struct {
	OnBinary     func(client *Client, payload []byte)
	OnText       func(client *Client, payload []byte)
	OnDisconnect func(client *Client)
}

// Registry tracks every accepted client WebSocket of a session, enforces the
// single-subscriber policy per role, and fans frames out per role.
type Registry struct {
	logger    commons.Logger
	callbacks Callbacks

	mu      sync.Mutex
	clients map[string]*Client
}

// New builds an empty registry.
func New(logger commons.Logger, callbacks Callbacks) *Registry {
	return &Registry{
		logger:    logger,
		callbacks: callbacks,
		clients:   make(map[string]*Client),
	}
}

// Accept registers an upgraded connection under role and starts its read
// loop. For single-subscriber roles any previously open socket of the same
// role is closed with code 1000 before the new one is admitted.
func (r *Registry) Accept(conn *websocket.Conn, role Role) *Client {
	client := &Client{
		Id:        uuid.NewString(),
		Role:      role,
		CreatedAt: time.Now(),
		conn:      conn,
	}

	var superseded []*Client
	r.mu.Lock()
	if role.SingleSubscriber() {
		for id, existing := range r.clients {
			if existing.Role == role {
				superseded = append(superseded, existing)
				delete(r.clients, id)
			}
		}
	}
	r.clients[client.Id] = client
	r.mu.Unlock()

	for _, old := range superseded {
		r.logger.Infow("Superseding subscriber", "role", role, "oldId", old.Id, "newId", client.Id)
		old.Close(websocket.CloseNormalClosure, SupersededReason)
	}

	go r.readLoop(client)
	return client
}

// readLoop pumps inbound frames into the callbacks until the transport
// drops. Gorilla answers pings with pongs on our behalf while this loop is
// reading.
func (r *Registry) readLoop(client *Client) {
	for {
		msgType, payload, err := client.conn.ReadMessage()
		if err != nil {
			r.drop(client)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if r.callbacks.OnBinary != nil {
				r.callbacks.OnBinary(client, payload)
			}
		case websocket.TextMessage:
			if r.callbacks.OnText != nil {
				r.callbacks.OnText(client, payload)
			}
		}
	}
}

// drop removes the client and fires the disconnect callback unless the
// client was already deliberately closed or superseded.
func (r *Registry) drop(client *Client) {
	r.mu.Lock()
	_, present := r.clients[client.Id]
	delete(r.clients, client.Id)
	r.mu.Unlock()

	wasDeliberate := client.isClosed()
	client.Close(websocket.CloseNormalClosure, "")
	if present && !wasDeliberate && r.callbacks.OnDisconnect != nil {
		r.callbacks.OnDisconnect(client)
	}
}

func (r *Registry) ofRole(role Role) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Client
	for _, c := range r.clients {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// Count reports the number of registered clients of role.
func (r *Registry) Count(role Role) int {
	return len(r.ofRole(role))
}

// Broadcast sends a binary frame to every client of role. Clients whose
// transport rejects the write are dropped.
func (r *Registry) Broadcast(role Role, payload []byte) {
	for _, c := range r.ofRole(role) {
		if err := c.SendBinary(payload); err != nil {
			r.logger.Debugw("Dropping client on failed write", "role", role, "id", c.Id, "error", err)
			c.Close(websocket.CloseNormalClosure, "")
			r.remove(c)
		}
	}
}

// BroadcastText sends a text frame to every client of role.
func (r *Registry) BroadcastText(role Role, payload []byte) {
	for _, c := range r.ofRole(role) {
		if err := c.SendText(payload); err != nil {
			r.logger.Debugw("Dropping client on failed write", "role", role, "id", c.Id, "error", err)
			c.Close(websocket.CloseNormalClosure, "")
			r.remove(c)
		}
	}
}

func (r *Registry) remove(client *Client) {
	r.mu.Lock()
	delete(r.clients, client.Id)
	r.mu.Unlock()
}

// CloseRole closes every client of role with the given close frame.
func (r *Registry) CloseRole(role Role, code int, reason string) {
	for _, c := range r.ofRole(role) {
		c.Close(code, reason)
		r.remove(c)
	}
}

// CloseAll closes every client with the given close frame.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	all := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range all {
		c.Close(code, reason)
	}
}

// Empty reports whether no clients remain at all.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}
