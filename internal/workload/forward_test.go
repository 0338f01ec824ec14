package workload

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestBuildEnvelope(t *testing.T) {
	envelope, requestHex, err := buildEnvelope("blockchain-42", []byte{0xde, 0xad, 0xbe, 0xef})
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}

	if requestHex != "0xdeadbeef" {
		t.Errorf("requestHex = %q, want 0xdeadbeef", requestHex)
	}

	var decoded map[string]string
	if err := json.Unmarshal(envelope, &decoded); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if decoded["requestId"] != "blockchain-42" {
		t.Errorf("requestId = %q", decoded["requestId"])
	}
	if decoded["request"] != "0xdeadbeef" {
		t.Errorf("request = %q", decoded["request"])
	}
}

func TestParseReplyResult(t *testing.T) {
	body, receipt := parseReply([]byte(`{"result":"0xdeadbeef"}`), "0x01")
	if !bytes.Equal(body, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("body = %x", body)
	}
	if receipt != nil {
		t.Errorf("receipt = %v, want nil", receipt)
	}
}

func TestParseReplyStepsBecomeReceipt(t *testing.T) {
	raw := []byte(`{"result":"0xcafe","steps":[{"tool":"search"},{"tool":"fetch"}]}`)
	body, receipt := parseReply(raw, "0xdeadbeef")

	if !bytes.Equal(body, []byte{0xca, 0xfe}) {
		t.Errorf("body = %x", body)
	}
	if receipt == nil {
		t.Fatal("expected a receipt when steps are present")
	}
	if receipt["request"] != "0xdeadbeef" {
		t.Errorf("receipt request = %v, want original request hex", receipt["request"])
	}
	steps, ok := receipt["steps"].([]interface{})
	if !ok || len(steps) != 2 {
		t.Errorf("receipt steps = %v", receipt["steps"])
	}
}

func TestParseReplyNonJSON(t *testing.T) {
	raw := []byte("plain text failure")
	body, receipt := parseReply(raw, "0x01")
	if !bytes.Equal(body, raw) {
		t.Errorf("body = %q, want raw passthrough", body)
	}
	if receipt != nil {
		t.Errorf("receipt = %v, want nil", receipt)
	}
}

func TestParseReplyJSONWithoutResult(t *testing.T) {
	raw := []byte(`{"error":"agent crashed"}`)
	body, receipt := parseReply(raw, "0x01")
	if !bytes.Equal(body, raw) {
		t.Errorf("body = %q, want raw JSON passthrough", body)
	}
	if receipt != nil {
		t.Errorf("receipt = %v, want nil", receipt)
	}
}
