package schema

import "testing"

func TestNegotiateProtocolVersion(t *testing.T) {
	if v := NegotiateProtocolVersion("2025-06-18"); v != ProtocolVersion20250618 {
		t.Errorf("supported version not kept: %s", v)
	}
	if v := NegotiateProtocolVersion("2024-11-05"); v != ProtocolVersion20241105 {
		t.Errorf("downgrade to client version failed: %s", v)
	}
	if v := NegotiateProtocolVersion("2099-01-01"); v != LatestProtocolVersion {
		t.Errorf("unknown version should negotiate to latest, got %s", v)
	}
	if v := NegotiateProtocolVersion(""); v != LatestProtocolVersion {
		t.Errorf("empty version should negotiate to latest, got %s", v)
	}
}

func TestProtocolVersionFeatureGates(t *testing.T) {
	if ProtocolVersion20241105.SupportsStreamableHTTP() {
		t.Error("2024-11-05 must not support streamable HTTP")
	}
	if !ProtocolVersion20250326.SupportsStreamableHTTP() {
		t.Error("2025-03-26 must support streamable HTTP")
	}
	if ProtocolVersion20250326.SupportsTasks() {
		t.Error("2025-03-26 must not support tasks")
	}
	if !ProtocolVersion20250618.SupportsTasks() {
		t.Error("2025-06-18 must support tasks")
	}
	if !ProtocolVersion20250618.SupportsElicitation() {
		t.Error("2025-06-18 must support elicitation")
	}
}
