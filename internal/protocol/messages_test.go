package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","conversation_id":"c-1","content":"Hello!","message_type":"image"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ConversationID != "c-1" {
		t.Errorf("expected conversation_id %q, got %q", "c-1", sm.ConversationID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.MessageType != "image" {
		t.Errorf("expected message_type %q, got %q", "image", sm.MessageType)
	}
}

// ---------------------------------------------------------------------------
// Test: Typing start and stop share a payload
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	for _, typ := range []string{TypeTypingStart, TypeTypingStop} {
		msgType, msg, err := ParseClientMessage([]byte(`{"type":"` + typ + `","conversation_id":"c-9"}`))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Errorf("expected type %q, got %q", typ, msgType)
		}
		tm, ok := msg.(TypingMsg)
		if !ok {
			t.Fatalf("expected TypingMsg, got %T", msg)
		}
		if tm.ConversationID != "c-9" {
			t.Errorf("expected conversation_id c-9, got %q", tm.ConversationID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a new_message server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := NewMessageMsg{
		ID:             "m-1",
		ConversationID: "c-1",
		Content:        "hi",
		MessageType:    "text",
		CreatedAt:      created,
		Sender:         SenderInfo{ID: "a-1", Username: "alice"},
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}
	if result["conversation_id"] != "c-1" {
		t.Errorf("expected conversation_id %q, got %v", "c-1", result["conversation_id"])
	}
	if result["created_at"] != "2024-03-01T12:00:00Z" {
		t.Errorf("unexpected created_at: %v", result["created_at"])
	}

	sender, ok := result["sender"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected sender to be an object, got %T", result["sender"])
	}
	if sender["username"] != "alice" {
		t.Errorf("expected sender username alice, got %v", sender["username"])
	}
	if _, ok := sender["avatar_url"]; !ok {
		t.Error("expected avatar_url key on sender")
	}
}

// ---------------------------------------------------------------------------
// Test: The type argument wins over the payload's Type field
// ---------------------------------------------------------------------------

func TestNewServerMessage_TypeOverride(t *testing.T) {
	data, err := NewServerMessage(TypeUserLeft, UserEventMsg{Type: TypeUserJoined, UserID: "a-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded UserEventMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeUserLeft {
		t.Errorf("expected type %q, got %q", TypeUserLeft, decoded.Type)
	}
	if decoded.UserID != "a-1" {
		t.Errorf("expected user_id a-1, got %q", decoded.UserID)
	}
}

func TestNewErrorMessage(t *testing.T) {
	var decoded ErrorMsg
	if err := json.Unmarshal(NewErrorMessage("access_denied", "Access denied to this conversation"), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Code != "access_denied" {
		t.Errorf("unexpected error message: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","interests":["music"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"new_message"}`)); err == nil {
		t.Fatal("expected an error for a server-only type")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"join_conversation","conversation_id":42}`))
	if err == nil {
		t.Fatal("expected decode error for a numeric conversation_id")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"conversation_id":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join", `{"type":"join_conversation","conversation_id":"c1"}`, TypeJoinConversation},
		{"leave", `{"type":"leave_conversation","conversation_id":"c1"}`, TypeLeaveConversation},
		{"send", `{"type":"send_message","conversation_id":"c1","content":"hi"}`, TypeSendMessage},
		{"typing_start", `{"type":"typing_start","conversation_id":"c1"}`, TypeTypingStart},
		{"typing_stop", `{"type":"typing_stop","conversation_id":"c1"}`, TypeTypingStop},
		{"update_status", `{"type":"update_status","status":"away"}`, TypeUpdateStatus},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
