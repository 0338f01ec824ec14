package sandbox

import "testing"

func TestAssertGatewayIPOnHost(t *testing.T) {
	if err := AssertGatewayIPOnHost("not-an-ip"); err == nil {
		t.Error("expected error for unparseable IP")
	}

	// TEST-NET-1 is never assigned to a local interface.
	if err := AssertGatewayIPOnHost("192.0.2.123"); err == nil {
		t.Error("expected error for absent IP")
	}

	if err := AssertGatewayIPOnHost("127.0.0.1"); err != nil {
		t.Errorf("loopback not found: %v", err)
	}
}
