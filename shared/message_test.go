package shared

import (
	"encoding/json"
	"testing"

	"github.com/mcplane/mcplane/shared/mcp/schema"
)

func roundTrip(t *testing.T, raw string) *Message {
	t.Helper()
	msgs, err := ParseMessages([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	encoded, err := json.Marshal(msgs[0])
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	reparsed, err := ParseMessages(encoded)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	return reparsed[0]
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		msg := roundTrip(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"cursor":"abc"}}`)
		if !msg.IsRequest() {
			t.Error("expected a request")
		}
		if *msg.Method != "tools/list" {
			t.Errorf("method lost: %s", *msg.Method)
		}
		if msg.ID.Value != int64(1) {
			t.Errorf("id lost: %v", msg.ID.Value)
		}
	})

	t.Run("notification", func(t *testing.T) {
		msg := roundTrip(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		if !msg.IsNotification() {
			t.Error("expected a notification")
		}
	})

	t.Run("response", func(t *testing.T) {
		msg := roundTrip(t, `{"jsonrpc":"2.0","id":"r-1","result":{"ok":true}}`)
		if !msg.IsResponse() {
			t.Error("expected a response")
		}
		if msg.Result == nil {
			t.Fatal("result lost")
		}
	})

	t.Run("null result preserved", func(t *testing.T) {
		msg := roundTrip(t, `{"jsonrpc":"2.0","id":2,"result":null}`)
		if msg.Error != nil {
			t.Error("null result must not turn into an error")
		}
	})

	t.Run("error response", func(t *testing.T) {
		msg := roundTrip(t, `{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"Method not found"}}`)
		if msg.Error == nil || msg.Error.Code != JSONRPCErrorMethodNotFound {
			t.Errorf("error object lost: %+v", msg.Error)
		}
	})
}

func TestExactlyOneOfResultOrError(t *testing.T) {
	id := schema.RequestID_FromUInt64(1)
	msg := &Message{
		ID:    &id,
		Error: &JSONRPCError{Code: JSONRPCErrorInternal, Message: "boom"},
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, hasResult := decoded["result"]; hasResult {
		t.Error("error response must not carry a result field")
	}
	if _, hasError := decoded["error"]; !hasError {
		t.Error("error response must carry the error field")
	}
}

func TestParseBatchPreservesOrder(t *testing.T) {
	raw := `[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"tools/list"}
	]`
	msgs, err := ParseMessages([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for _, msg := range msgs {
		if !msg.Batch {
			t.Error("batch flag not set")
		}
	}
	if msgs[0].ID.Value != int64(1) || msgs[2].ID.Value != int64(2) {
		t.Error("batch order lost")
	}
	if !msgs[1].IsNotification() {
		t.Error("middle notification misclassified")
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := ParseMessages([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
	if err == nil {
		t.Error("jsonrpc 1.0 envelope accepted")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseMessages([]byte(`{not json`))
	if err == nil {
		t.Error("invalid JSON accepted")
	}
}
