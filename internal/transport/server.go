// Package transport serves the websocket endpoint browser clients attach
// to. Each accepted socket becomes one connection record in the registry;
// outbound frames flow through the per-connection delivery pump while this
// package handles the handshake, heartbeats, and the restoration protocol.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/delivery"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// ClientMessage is the envelope for every message a client sends.
type ClientMessage struct {
	Type               string `json:"type"`
	ConnectionID       string `json:"connection_id,omitempty"`
	ThreadID           string `json:"thread_id,omitempty"`
	LastSequenceNumber uint64 `json:"last_sequence_number,omitempty"`
	SequenceNumber     uint64 `json:"sequence_number,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// ControlMessage is the envelope for server control frames. Delivered
// events use models.Frame directly; clients tell them apart by the
// event_type key.
type ControlMessage struct {
	Type               string `json:"type"`
	ConnectionID       string `json:"connection_id,omitempty"`
	ThreadID           string `json:"thread_id,omitempty"`
	LastSequenceNumber uint64 `json:"last_sequence_number,omitempty"`
	Replayed           int    `json:"replayed,omitempty"`
	Code               string `json:"code,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Handler upgrades and serves websocket connections.
type Handler struct {
	registry  *registry.Registry
	layer     *delivery.Layer
	jwt       *auth.JWTService
	heartbeat config.HeartbeatConfig
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewHandler builds the websocket endpoint handler.
func NewHandler(reg *registry.Registry, layer *delivery.Layer, jwt *auth.JWTService, hb config.HeartbeatConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  reg,
		layer:     layer,
		jwt:       jwt,
		heartbeat: hb,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// pongWait is how long a socket may go without proof of life before the
// server considers it dead.
func (h *Handler) pongWait() time.Duration {
	return h.heartbeat.Interval * time.Duration(h.heartbeat.MissedThreshold)
}

// ServeHTTP authenticates the handshake, upgrades the socket, and registers
// the connection. Authentication failures are rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sock := &wsConn{
		handler:    h,
		conn:       conn,
		send:       make(chan []byte, wsSendBuffer),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	// The client offers its previous connection id for reattachment; the
	// registry decides whether to honor it.
	rec, err := h.registry.Register(identity, sock, r.URL.Query().Get("connection_id"))
	if err != nil {
		_ = conn.Close()
		return
	}
	sock.rec = rec

	h.logger.Info("client connected", "connection_id", rec.ID(), "user_id", rec.UserID())
	sock.sendControl(ControlMessage{Type: "connected", ConnectionID: rec.ID()})
	sock.run()
}

// authenticate resolves the bearer token from the Authorization header or
// the token query parameter.
func (h *Handler) authenticate(r *http.Request) (models.Identity, error) {
	token := ""
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return models.Identity{}, auth.ErrInvalidToken
	}
	return h.jwt.Verify(token)
}

// wsConn is one live websocket. The write loop is the only goroutine that
// touches the underlying conn for writes; everything else, control frames
// included, goes through the send channel. It implements registry.Sender
// so the delivery pump can write to it.
type wsConn struct {
	handler *Handler
	conn    *websocket.Conn
	rec     *registry.Record
	send    chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	closingOnce sync.Once
	closing     chan struct{}
	writerDone  chan struct{}
}

// Send implements registry.Sender. It never blocks: a full send buffer is
// a transient failure the delivery layer retries, and a persistently slow
// consumer trips that connection's circuit.
func (c *wsConn) Send(frame *models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close implements registry.Sender.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsConn) run() {
	go c.writeLoop()
	c.readLoop()

	// The socket is gone; release the registry record. Deregister is
	// idempotent, so a race with the idle monitor is harmless.
	c.handler.registry.Deregister(c.rec.ID())
	c.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.handler.registry.Heartbeat(c.rec.ID())
		return c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait()))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid_message", "malformed client message")
			continue
		}
		if done := c.handleMessage(&msg); done {
			return
		}
	}
}

// handleMessage dispatches one client message. It returns true when the
// read loop should exit.
func (c *wsConn) handleMessage(msg *ClientMessage) bool {
	switch msg.Type {
	case "ping":
		c.handler.registry.Heartbeat(c.rec.ID())
		_ = c.conn.SetReadDeadline(time.Now().Add(c.handler.pongWait()))
		c.sendControl(ControlMessage{Type: "pong"})
	case "identify":
		c.sendControl(ControlMessage{Type: "connected", ConnectionID: c.rec.ID()})
	case "session_restore":
		c.handleRestore(msg)
	case "ack":
		c.handleAck(msg)
	case "disconnect":
		c.handleDisconnect(msg)
		return true
	default:
		c.sendError("unknown_type", fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return false
}

// handleRestore replays the buffered events the client has not yet seen.
// The client's declared cursor also acknowledges everything at or below
// it, so acked events are pruned and never replayed again.
func (c *wsConn) handleRestore(msg *ClientMessage) {
	if msg.ThreadID == "" {
		c.sendError("invalid_restore", "thread_id is required")
		return
	}
	key := models.BufferKey{UserID: c.rec.UserID(), ThreadID: msg.ThreadID}
	ctx := context.Background()

	if err := c.handler.layer.Ack(ctx, key, msg.LastSequenceNumber); err != nil {
		c.handler.logger.Warn("restore ack failed", "connection_id", c.rec.ID(), "error", err)
	}
	events, err := c.handler.layer.Replay(ctx, key, msg.LastSequenceNumber)
	if err != nil {
		c.sendError("restore_failed", "could not replay buffered events")
		return
	}

	// Replayed frames bypass the priority queue: restoration order is
	// sequence order, already settled when the events were buffered.
	for _, ev := range events {
		data, err := json.Marshal(models.FrameFor(ev))
		if err != nil {
			continue
		}
		if !c.enqueueBlocking(data) {
			return
		}
	}
	c.sendControl(ControlMessage{
		Type:               "restore_complete",
		ThreadID:           msg.ThreadID,
		LastSequenceNumber: msg.LastSequenceNumber,
		Replayed:           len(events),
	})
	c.handler.logger.Info("session restored",
		"connection_id", c.rec.ID(), "user_id", c.rec.UserID(),
		"thread_id", msg.ThreadID, "after_seq", msg.LastSequenceNumber,
		"replayed", len(events))
}

func (c *wsConn) handleAck(msg *ClientMessage) {
	if msg.ThreadID == "" {
		c.sendError("invalid_ack", "thread_id is required")
		return
	}
	key := models.BufferKey{UserID: c.rec.UserID(), ThreadID: msg.ThreadID}
	if err := c.handler.layer.Ack(context.Background(), key, msg.SequenceNumber); err != nil {
		c.handler.logger.Warn("ack failed", "connection_id", c.rec.ID(), "error", err)
	}
}

// handleDisconnect acknowledges an intentional close before tearing down,
// so the client knows not to reconnect. The ack rides the send channel
// like every other outbound frame; the writer flushes whatever is queued
// ahead of it and then stops, so the socket never sees two writers.
func (c *wsConn) handleDisconnect(msg *ClientMessage) {
	c.handler.logger.Info("client disconnecting",
		"connection_id", c.rec.ID(), "user_id", c.rec.UserID(), "reason", msg.Reason)

	data, err := json.Marshal(ControlMessage{Type: "disconnect_ack"})
	if err == nil {
		c.enqueueBlocking(data)
	}
	c.closingOnce.Do(func() { close(c.closing) })
	<-c.writerDone
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.handler.heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			c.flushPending()
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flushPending writes out everything already queued before an orderly
// close, stopping at the first write error.
func (c *wsConn) flushPending() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) sendControl(msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// Control frames are best-effort under backpressure.
	}
}

func (c *wsConn) sendError(code, message string) {
	c.sendControl(ControlMessage{Type: "error", Code: code, Message: message})
}

// enqueueBlocking queues a replayed frame, waiting for the writer rather
// than dropping. Returns false if the connection closed.
func (c *wsConn) enqueueBlocking(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	}
}
