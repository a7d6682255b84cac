package schema

// ProtocolVersion identifies one dated revision of the MCP specification.
// The dated tags compare lexically in release order, which the feature
// gates below rely on.
type ProtocolVersion string

const (
	ProtocolVersion20241105 ProtocolVersion = "2024-11-05"
	ProtocolVersion20250326 ProtocolVersion = "2025-03-26"
	ProtocolVersion20250618 ProtocolVersion = "2025-06-18"

	// LatestProtocolVersion is the newest revision this implementation speaks.
	LatestProtocolVersion = ProtocolVersion20250618
)

// SupportedProtocolVersions lists recognized versions, oldest first.
var SupportedProtocolVersions = []ProtocolVersion{
	ProtocolVersion20241105,
	ProtocolVersion20250326,
	ProtocolVersion20250618,
}

// ParseProtocolVersion returns the matching version and whether the wire
// string names a recognized revision.
func ParseProtocolVersion(s string) (ProtocolVersion, bool) {
	for _, v := range SupportedProtocolVersions {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// SupportsStreamableHTTP reports whether a POST may answer with an SSE
// stream instead of a single JSON body.
func (v ProtocolVersion) SupportsStreamableHTTP() bool {
	return v >= ProtocolVersion20250326
}

// SupportsMeta reports whether _meta maps and progress tokens are part of
// the negotiated revision.
func (v ProtocolVersion) SupportsMeta() bool {
	return v >= ProtocolVersion20250326
}

// SupportsElicitation reports whether elicitation/create is available.
func (v ProtocolVersion) SupportsElicitation() bool {
	return v >= ProtocolVersion20250618
}

// SupportsTasks reports whether task-augmented requests and the tasks/*
// method family are available.
func (v ProtocolVersion) SupportsTasks() bool {
	return v >= ProtocolVersion20250618
}

// NegotiateProtocolVersion picks the version for a session given the
// client's requested version string. A recognized version is used as-is;
// anything else downgrades to the server's latest.
func NegotiateProtocolVersion(requested string) ProtocolVersion {
	if v, ok := ParseProtocolVersion(requested); ok {
		return v
	}
	return LatestProtocolVersion
}
