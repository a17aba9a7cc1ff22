// Package client implements the browser-side connection protocol: dialing,
// heartbeat liveness, reconnection with exponential backoff, and exactly-once
// event consumption across reconnects via per-thread sequence cursors.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/pkg/models"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ErrReconnectionExhausted is returned when every reconnection attempt has
// failed. The client is terminal; the application must surface the failure
// to the user rather than retry silently.
var ErrReconnectionExhausted = errors.New("reconnection attempts exhausted")

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint.
	URL string
	// Token is the bearer token presented during the handshake.
	Token string
	// MaxAttempts caps consecutive failed reconnection attempts.
	MaxAttempts int
	// Policy shapes the delay between reconnection attempts.
	Policy backoff.Policy
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnEvent is invoked for each event frame, after deduplication, in
	// per-thread sequence order.
	OnEvent func(*models.Frame)
	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(from, to State)
}

// Client maintains one logical connection through physical disconnects.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	connID  string
	conn    *websocket.Conn
	cursors map[string]uint64 // thread id -> highest seen sequence

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a client. Call Run to connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("url is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Policy.Base <= 0 {
		opts.Policy = backoff.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  opts.Logger,
		state:   StateDisconnected,
		cursors: make(map[string]uint64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned connection id, if connected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Cursor returns the highest sequence number consumed for a thread.
func (c *Client) Cursor(threadID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[threadID]
}

// Run connects and serves events until Close is called, the context is
// canceled, or reconnection is exhausted. It blocks.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.transition(StateDisconnected)

	attempt := 0
	for {
		if err := joinContexts(ctx, c.ctx); err != nil {
			return err
		}

		if attempt == 0 {
			c.transition(StateConnecting)
		} else {
			c.transition(StateReconnecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= c.opts.MaxAttempts {
				c.transition(StateFailed)
				return fmt.Errorf("%w: %w", ErrReconnectionExhausted, err)
			}
			c.logger.Warn("connection attempt failed",
				"attempt", attempt, "max_attempts", c.opts.MaxAttempts, "error", err)
			if err := backoff.Sleep(ctx, c.opts.Policy, attempt); err != nil {
				return err
			}
			continue
		}

		// Connected. Reset the attempt counter only after the session
		// proves viable (handshake completed).
		attempt = 0
		c.transition(StateConnected)

		err = c.serve(ctx, conn)
		conn.Close()
		if err == nil {
			// Intentional close.
			return nil
		}
		// Surface the loss immediately; the backoff sleep below must not
		// leave the application believing it is still connected.
		c.transition(StateReconnecting)
		c.logger.Info("connection lost, reconnecting", "error", err)
		attempt = 1
		if attempt >= c.opts.MaxAttempts {
			c.transition(StateFailed)
			return fmt.Errorf("%w: connection lost", ErrReconnectionExhausted)
		}
		if err := backoff.Sleep(ctx, c.opts.Policy, attempt); err != nil {
			return err
		}
	}
}

// Close requests a clean shutdown. Run returns once teardown completes.
func (c *Client) Close() {
	c.cancel()
	<-c.done
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if id := c.ConnectionID(); id != "" {
		q.Set("connection_id", id)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve drives one physical connection: it performs session restoration for
// every known thread, then consumes frames until the socket fails. A nil
// return means the client was closed intentionally.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	threads := make(map[string]uint64, len(c.cursors))
	for id, seq := range c.cursors {
		threads[id] = seq
	}
	c.mu.Unlock()

	// Declare our cursor for each thread we were following; the server
	// replays anything we missed and prunes what we acknowledged.
	for threadID, seq := range threads {
		restore, err := json.Marshal(map[string]any{
			"type":                 "session_restore",
			"thread_id":            threadID,
			"last_sequence_number": seq,
		})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, restore); err != nil {
			return fmt.Errorf("send session_restore: %w", err)
		}
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.handleMessage(data)
		}
	}()

	select {
	case <-ctx.Done():
		c.sendDisconnect(conn, "context_canceled")
		return nil
	case <-c.ctx.Done():
		c.sendDisconnect(conn, "client_closed")
		return nil
	case err := <-readErr:
		return err
	}
}

// handleMessage routes one inbound message. Event frames carry event_type;
// everything else is a control message.
func (c *Client) handleMessage(data []byte) {
	var probe struct {
		Type         string           `json:"type"`
		EventType    models.EventType `json:"event_type"`
		ConnectionID string           `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Warn("malformed server message", "error", err)
		return
	}

	if probe.EventType != "" {
		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed event frame", "error", err)
			return
		}
		c.consume(&frame)
		return
	}

	switch probe.Type {
	case "connected":
		c.mu.Lock()
		c.connID = probe.ConnectionID
		c.mu.Unlock()
	case "restore_complete", "pong", "disconnect_ack":
		// No client action.
	case "error":
		c.logger.Warn("server error frame", "raw", string(data))
	}
}

// consume applies the per-thread dedup cursor: a frame at or below the
// cursor was already seen (live delivery and replay can overlap) and is
// dropped without reaching the application.
func (c *Client) consume(frame *models.Frame) {
	c.mu.Lock()
	if frame.Sequence <= c.cursors[frame.ThreadID] {
		c.mu.Unlock()
		return
	}
	c.cursors[frame.ThreadID] = frame.Sequence
	c.mu.Unlock()

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(frame)
	}
}

func (c *Client) sendDisconnect(conn *websocket.Conn, reason string) {
	msg, err := json.Marshal(map[string]any{"type": "disconnect", "reason": reason})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) transition(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("connection state change", "from", from, "to", to)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

func joinContexts(a, b context.Context) error {
	if err := a.Err(); err != nil {
		return err
	}
	return b.Err()
}
