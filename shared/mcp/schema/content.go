package schema

// Meta is the reserved free-form metadata map carried on most entities.
// The core never interprets it; it propagates unchanged.
type Meta map[string]interface{}

// Arguments is the argument map passed to a tool call.
type Arguments map[string]interface{}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Annotations give clients rendering and audience hints for content.
type Annotations struct {
	Audience []Role   `json:"audience,omitempty"`
	Priority *float64 `json:"priority,omitempty"`
}

// Content is one typed fragment of a message payload. Exactly one of the
// variant fields is populated, selected by Type.
type Content struct {
	Type string `json:"type"` // "text", "image", "audio" or "resource"

	// Type == "text"
	Text string `json:"text,omitempty"`

	// Type == "image" or "audio": base64 payload plus its MIME type.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// Type == "resource"
	Resource *ResourceContent `json:"resource,omitempty"`

	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// NewTextContent builds a text content block.
func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// NewImageContent builds an image content block from base64 data.
func NewImageContent(mimeType, base64Data string) Content {
	return Content{Type: "image", MimeType: mimeType, Data: base64Data}
}

// NewAudioContent builds an audio content block from base64 data.
func NewAudioContent(mimeType, base64Data string) Content {
	return Content{Type: "audio", MimeType: mimeType, Data: base64Data}
}

// NewResourceContent builds an embedded-resource content block.
func NewResourceContent(resource ResourceContent) Content {
	return Content{Type: "resource", Resource: &resource}
}

// ResourceContent is the payload of one read resource: text or binary,
// never both.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64
	Meta     Meta   `json:"_meta,omitempty"`
}
