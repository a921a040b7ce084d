package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEventTypeValid(t *testing.T) {
	for _, et := range []EventType{
		EventAgentStarted, EventAgentThinking, EventToolExecuting,
		EventToolCompleted, EventAgentDone,
	} {
		if !et.Valid() {
			t.Errorf("expected %q to be valid", et)
		}
	}

	for _, et := range []EventType{"", "agent_stopped", "AGENT_STARTED", "tool.executing"} {
		if et.Valid() {
			t.Errorf("expected %q to be invalid", et)
		}
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"user target", Envelope{Type: EventAgentStarted, UserID: "u1"}, false},
		{"thread target", Envelope{Type: EventToolCompleted, ThreadID: "th1"}, false},
		{"no routing key", Envelope{Type: EventAgentStarted}, true},
		{"bad type", Envelope{Type: "nope", UserID: "u1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	env := Envelope{
		Type:      EventToolExecuting,
		Data:      json.RawMessage(`{"tool":"bash"}`),
		UserID:    "user-1",
		ThreadID:  "thread-9",
		Sequence:  42,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	for _, field := range []string{
		`"type":"tool_executing"`,
		`"user_id":"user-1"`,
		`"thread_id":"thread-9"`,
		`"sequence":42`,
		`"timestamp":"2026-03-01T12:00:00Z"`,
	} {
		if !strings.Contains(string(data), field) {
			t.Errorf("wire form missing %s: %s", field, data)
		}
	}
}
