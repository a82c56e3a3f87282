package wire

import (
	"encoding/json"
	"testing"
)

func TestSniffRequest(t *testing.T) {
	req, err := NewRequest("req-1", "get_task_status", map[string]string{"task_id": "t-1"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, err := marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	shape, _, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if shape != ShapeRequest {
		t.Errorf("expected ShapeRequest, got %v", shape)
	}
}

func TestSniffNotification(t *testing.T) {
	n, err := NewNotification("heartbeat", map[string]string{"agent_id": "a-1"})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, err := marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	shape, _, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if shape != ShapeNotification {
		t.Errorf("expected ShapeNotification, got %v", shape)
	}
}

func TestSniffResponse(t *testing.T) {
	resp, err := NewResult("req-1", map[string]string{"status": "completed"})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	data, err := marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	shape, _, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if shape != ShapeResponse {
		t.Errorf("expected ShapeResponse, got %v", shape)
	}
}

func TestSniffMissingVersion(t *testing.T) {
	_, _, err := Sniff([]byte(`{"method":"heartbeat"}`))
	if err == nil {
		t.Fatal("expected error for missing version tag")
	}
}

func TestSniffResultAndErrorBothSet(t *testing.T) {
	_, _, err := Sniff([]byte(`{"version":"2.0","id":"1","result":{"ok":true},"error":{"code":-32603,"message":"boom"}}`))
	if err == nil {
		t.Fatal("expected error when both result and error are set")
	}
}

func TestSniffMalformedJSON(t *testing.T) {
	_, _, err := Sniff([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestSniffUnrecognizedShape(t *testing.T) {
	_, _, err := Sniff([]byte(`{"version":"2.0"}`))
	if err == nil {
		t.Fatal("expected error for a frame with no method, result, or error")
	}
}

func TestNewErrorResponseRoundTrip(t *testing.T) {
	resp := NewErrorResponse("req-9", CodeMethodNotFound, "method not found")
	if resp.Error == nil {
		t.Fatal("expected error to be set")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", CodeMethodNotFound, resp.Error.Code)
	}
	if resp.Version != mcpVersion {
		t.Errorf("expected version %s, got %s", mcpVersion, resp.Version)
	}
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
