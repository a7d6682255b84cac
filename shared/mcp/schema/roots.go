package schema

// Root is a URI scope (typically a filesystem prefix) declared as
// operable territory.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
	Meta Meta   `json:"_meta,omitempty"`
}

// ListRootsResult is the response to roots/list.
type ListRootsResult struct {
	Meta  Meta   `json:"_meta,omitempty"`
	Roots []Root `json:"roots"`
}

// RootsListChangedNotification informs that the root list changed.
type RootsListChangedNotification struct {
	Method string                 `json:"method"` // const: "notifications/roots/list_changed"
	Params map[string]interface{} `json:"params,omitempty"`
}
