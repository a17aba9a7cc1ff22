package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      Priority
	}{
		{EventSystemError, PrioritySystemError},
		{EventCompletion, PriorityCompletion},
		{EventToolResult, PriorityToolResult},
		{EventProgress, PriorityProgress},
		{EventLifecycleStart, PriorityLifecycleStart},
		{EventType("bogus"), PriorityLifecycleStart},
	}
	for _, tt := range tests {
		if got := PriorityFor(tt.eventType); got != tt.want {
			t.Errorf("PriorityFor(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestPriority_Ordering(t *testing.T) {
	// The five classes must be strictly ordered highest-to-lowest:
	// system_error > completion > tool_result > progress > lifecycle_start.
	if !(PrioritySystemError > PriorityCompletion &&
		PriorityCompletion > PriorityToolResult &&
		PriorityToolResult > PriorityProgress &&
		PriorityProgress > PriorityLifecycleStart) {
		t.Error("priority classes are not strictly ordered")
	}
}

func TestPriority_Critical(t *testing.T) {
	tests := []struct {
		priority Priority
		want     bool
	}{
		{PrioritySystemError, true},
		{PriorityCompletion, true},
		{PriorityToolResult, false},
		{PriorityProgress, false},
		{PriorityLifecycleStart, false},
	}
	for _, tt := range tests {
		if got := tt.priority.Critical(); got != tt.want {
			t.Errorf("%v.Critical() = %v, want %v", tt.priority, got, tt.want)
		}
	}
}

func TestFrameFor(t *testing.T) {
	now := time.Now()
	ev := &Event{
		Type:      EventToolResult,
		UserID:    "user-1",
		ThreadID:  "thread-1",
		RunID:     "run-1",
		Payload:   json.RawMessage(`{"output":"ok"}`),
		Priority:  PriorityToolResult,
		Sequence:  42,
		Timestamp: now,
	}

	frame := FrameFor(ev)
	if frame.Type != EventToolResult {
		t.Errorf("frame.Type = %v, want %v", frame.Type, EventToolResult)
	}
	if frame.ThreadID != "thread-1" {
		t.Errorf("frame.ThreadID = %q, want %q", frame.ThreadID, "thread-1")
	}
	if frame.Sequence != 42 {
		t.Errorf("frame.Sequence = %d, want 42", frame.Sequence)
	}

	// The owning user must never appear on the wire.
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if _, ok := raw["user_id"]; ok {
		t.Error("frame JSON contains user_id, want it omitted")
	}
}

func TestSessionKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		key     SessionKey
		wantErr bool
	}{
		{"complete", SessionKey{"u1", "t1", "r1"}, false},
		{"missing user", SessionKey{"", "t1", "r1"}, true},
		{"missing thread", SessionKey{"u1", "", "r1"}, true},
		{"missing run", SessionKey{"u1", "t1", ""}, true},
		{"whitespace user", SessionKey{"  ", "t1", "r1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBufferKeyFor(t *testing.T) {
	ev := &Event{UserID: "u1", ThreadID: "t1", RunID: "r1"}
	key := BufferKeyFor(ev)
	if key.UserID != "u1" || key.ThreadID != "t1" {
		t.Errorf("BufferKeyFor() = %+v, want {u1 t1}", key)
	}
	if key.String() != "u1/t1" {
		t.Errorf("BufferKey.String() = %q, want %q", key.String(), "u1/t1")
	}
}
