package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/delivery"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/transport"
	"github.com/haasonsaas/conduit/pkg/models"
)

type clientStack struct {
	server   *httptest.Server
	registry *registry.Registry
	layer    *delivery.Layer
	jwt      *auth.JWTService
}

func newClientStack(t *testing.T) *clientStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	reg := registry.New(cfg.Delivery.QueueDepth, logger)
	store := delivery.NewMemoryBufferStore(cfg.Delivery.BufferCapacity, cfg.Delivery.BufferTTL)
	layer := delivery.NewLayer(cfg.Delivery, store, reg, logger, nil)
	jwt := auth.NewJWTService("test-secret", time.Hour)
	handler := transport.NewHandler(reg, layer, jwt, cfg.Heartbeat, logger)
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		layer.Close()
	})
	return &clientStack{server: server, registry: reg, layer: layer, jwt: jwt}
}

func (s *clientStack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *clientStack) publish(t *testing.T, userID, threadID string, seq uint64, typ models.EventType) {
	t.Helper()
	_, err := s.layer.Publish(context.Background(), &models.Event{
		Type:      typ,
		UserID:    userID,
		ThreadID:  threadID,
		RunID:     "run-1",
		Payload:   json.RawMessage(`{}`),
		Priority:  models.PriorityFor(typ),
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, Jitter: 0}
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func TestClient_ConnectAndReceive(t *testing.T) {
	stack := newClientStack(t)
	token, _ := stack.jwt.Generate("alice")

	frames := make(chan *models.Frame, 16)
	c, err := New(Options{
		URL:     stack.wsURL(),
		Token:   token,
		Policy:  fastPolicy(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnEvent: func(f *models.Frame) { frames <- f },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	go c.Run(context.Background())
	defer c.Close()
	waitState(t, c, StateConnected)

	stack.publish(t, "alice", "thread-1", 1, models.EventProgress)

	select {
	case frame := <-frames:
		if frame.Sequence != 1 || frame.Type != models.EventProgress {
			t.Errorf("frame = %+v, want seq 1 progress", frame)
		}
		if c.Cursor("thread-1") != 1 {
			t.Errorf("Cursor(thread-1) = %d, want 1", c.Cursor("thread-1"))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame received")
	}
}

func TestClient_ReconnectsAndRestores(t *testing.T) {
	stack := newClientStack(t)
	token, _ := stack.jwt.Generate("alice")

	frames := make(chan *models.Frame, 16)
	states := make(chan State, 16)
	c, err := New(Options{
		URL:           stack.wsURL(),
		Token:         token,
		MaxAttempts:   10,
		Policy:        fastPolicy(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnEvent:       func(f *models.Frame) { frames <- f },
		OnStateChange: func(from, to State) { states <- to },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	go c.Run(context.Background())
	defer c.Close()

	awaitState := func(want State) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-deadline:
				t.Fatalf("never reached state %s", want)
			}
		}
	}
	awaitState(StateConnected)

	stack.publish(t, "alice", "thread-1", 1, models.EventProgress)
	select {
	case f := <-frames:
		if f.Sequence != 1 {
			t.Fatalf("first frame seq = %d, want 1", f.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no initial frame")
	}

	// Kill the server side of the socket; the client must notice and
	// reconnect on its own.
	stack.registry.Deregister(c.ConnectionID())
	awaitState(StateReconnecting)
	awaitState(StateConnected)

	// The new registration may still be settling; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && stack.registry.Count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	// An event published while the client was away is restored from the
	// buffer after the reconnect handshake.
	stack.publish(t, "alice", "thread-1", 2, models.EventToolResult)

	select {
	case f := <-frames:
		if f.Sequence != 2 || f.Type != models.EventToolResult {
			t.Errorf("post-reconnect frame = %+v, want seq 2 tool.result", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame after reconnect")
	}
}

func TestClient_ReconnectingSignaledBeforeBackoff(t *testing.T) {
	stack := newClientStack(t)
	token, _ := stack.jwt.Generate("alice")

	states := make(chan State, 16)
	c, err := New(Options{
		URL:         stack.wsURL(),
		Token:       token,
		MaxAttempts: 10,
		// A deliberately long backoff: the application must learn about
		// the loss before the sleep between attempts, not after it.
		Policy:        backoff.Policy{Base: 5 * time.Second, Cap: 5 * time.Second, Jitter: 0},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnStateChange: func(from, to State) { states <- to },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.After(3 * time.Second)
	for connected := false; !connected; {
		select {
		case s := <-states:
			connected = s == StateConnected
		case <-deadline:
			t.Fatal("never connected")
		}
	}

	stack.registry.Deregister(c.ConnectionID())

	select {
	case s := <-states:
		if s != StateReconnecting {
			t.Fatalf("state after connection loss = %s, want %s", s, StateReconnecting)
		}
	case <-time.After(time.Second):
		t.Fatal("still reported connected after the transport dropped")
	}
}

func TestClient_DeduplicatesReplayedFrames(t *testing.T) {
	c, err := New(Options{URL: "ws://unused", Policy: fastPolicy()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	var mu sync.Mutex
	var seen []uint64
	c.opts.OnEvent = func(f *models.Frame) {
		mu.Lock()
		seen = append(seen, f.Sequence)
		mu.Unlock()
	}

	frame := func(threadID string, seq uint64) []byte {
		data, _ := json.Marshal(models.Frame{
			Type:     models.EventProgress,
			ThreadID: threadID,
			Sequence: seq,
		})
		return data
	}

	// Live delivery and replay overlap: the same sequence arrives twice.
	c.handleMessage(frame("thread-1", 1))
	c.handleMessage(frame("thread-1", 2))
	c.handleMessage(frame("thread-1", 1))
	c.handleMessage(frame("thread-1", 2))
	c.handleMessage(frame("thread-1", 3))
	// Cursors are per thread.
	c.handleMessage(frame("thread-2", 1))

	mu.Lock()
	defer mu.Unlock()
	want := []uint64{1, 2, 3, 1}
	if len(seen) != len(want) {
		t.Fatalf("delivered sequences = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("delivered sequences = %v, want %v", seen, want)
		}
	}
}

func TestClient_ExhaustionIsTerminal(t *testing.T) {
	// A server that no longer exists: every attempt fails.
	server := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	c, err := New(Options{
		URL:         url,
		MaxAttempts: 3,
		Policy:      fastPolicy(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	err = c.Run(context.Background())
	if !errors.Is(err, ErrReconnectionExhausted) {
		t.Fatalf("Run error = %v, want ErrReconnectionExhausted", err)
	}
}

func TestClient_StateTransitions(t *testing.T) {
	stack := newClientStack(t)
	token, _ := stack.jwt.Generate("alice")

	var mu sync.Mutex
	var transitions []State
	c, err := New(Options{
		URL:    stack.wsURL(),
		Token:  token,
		Policy: fastPolicy(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	go c.Run(context.Background())
	waitState(t, c, StateConnected)
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 3 {
		t.Fatalf("transitions = %v, want at least connecting, connected, disconnected", transitions)
	}
	if transitions[0] != StateConnecting || transitions[1] != StateConnected {
		t.Errorf("transitions = %v, want to open with connecting then connected", transitions)
	}
	if transitions[len(transitions)-1] != StateDisconnected {
		t.Errorf("final state = %v, want disconnected", transitions[len(transitions)-1])
	}
}
