// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package track

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeDecodeMinimal(t *testing.T) {
	body := `{
		"device": {"device_id": "d1", "device_name": "mac1", "platform": "mac"},
		"event": {"session_id": "s1", "hook_event_name": "SessionStart"},
		"timestamp": "2026-01-01T00:00:00Z"
	}`

	var envelope EventEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if envelope.Device.DeviceID != "d1" {
		t.Errorf("DeviceID = %q", envelope.Device.DeviceID)
	}
	if envelope.Event.HookEventName != EventSessionStart {
		t.Errorf("HookEventName = %q", envelope.Event.HookEventName)
	}
	if envelope.Event.Cwd != nil || envelope.Event.ToolName != nil {
		t.Error("optional fields should be nil when absent")
	}
}

func TestEnvelopeDecodeIgnoresUnknownKeys(t *testing.T) {
	body := `{
		"device": {"device_id": "d1", "device_name": "mac1", "platform": "mac"},
		"event": {
			"session_id": "s1",
			"hook_event_name": "PreToolUse",
			"tool_name": "Bash",
			"tool_input": {"command": "rm -rf /"},
			"transcript_path": "/tmp/t.jsonl",
			"custom_instructions": "secret"
		},
		"timestamp": "2026-01-01T00:00:00Z"
	}`

	var envelope EventEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if envelope.Event.ToolName == nil || *envelope.Event.ToolName != "Bash" {
		t.Errorf("ToolName = %v, want Bash", envelope.Event.ToolName)
	}
	// The raw capture keeps the keys the typed struct does not model.
	if !strings.Contains(string(envelope.Event.Raw), "tool_input") {
		t.Errorf("Raw payload missing unknown key: %s", envelope.Event.Raw)
	}
}

func TestEventDataSerializesOnlyKnownFields(t *testing.T) {
	cwd := "/workspace"
	tool := "Bash"
	data := EventData{
		SessionID:     "s1",
		HookEventName: EventStop,
		Cwd:           &cwd,
		ToolName:      &tool,
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := string(encoded)

	for _, want := range []string{"session_id", "cwd", "tool_name"} {
		if !strings.Contains(out, want) {
			t.Errorf("serialized payload missing %q: %s", want, out)
		}
	}
	// Re-encoding emits only the declared fields, never the raw bytes.
	dataWithRaw := data
	dataWithRaw.Raw = json.RawMessage(`{"tool_input": {"command": "x"}}`)
	encodedWithRaw, err := json.Marshal(dataWithRaw)
	if err != nil {
		t.Fatalf("Marshal with raw: %v", err)
	}
	if strings.Contains(string(encodedWithRaw), "tool_input") {
		t.Errorf("re-encoded payload leaked raw bytes: %s", encodedWithRaw)
	}
	// Absent optional fields are omitted entirely.
	if strings.Contains(out, "notification_type") {
		t.Errorf("absent field serialized: %s", out)
	}
}
