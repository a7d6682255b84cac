package schema

// Resource describes a readable entity addressed by URI.
type Resource struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Size        *int64       `json:"size,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Icons       []Icon       `json:"icons,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// ResourceTemplate describes a parametrized resource. The URI template is
// expanded at read time.
type ResourceTemplate struct {
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
}

// ListResourcesRequestParams contains parameters for resources/list.
type ListResourcesRequestParams struct {
	PaginatedRequestParams
}

// ListResourcesResult is the response to resources/list.
type ListResourcesResult struct {
	PaginatedResult
	Meta      Meta       `json:"_meta,omitempty"`
	Resources []Resource `json:"resources"`
}

// ListResourceTemplatesRequestParams contains parameters for resources/templates/list.
type ListResourceTemplatesRequestParams struct {
	PaginatedRequestParams
}

// ListResourceTemplatesResult is the response to resources/templates/list.
type ListResourceTemplatesResult struct {
	PaginatedResult
	Meta              Meta               `json:"_meta,omitempty"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}

// ReadResourceRequestParams contains parameters for resources/read.
type ReadResourceRequestParams struct {
	URI  string       `json:"uri"`
	Meta *RequestMeta `json:"_meta,omitempty"`
}

// ReadResourceResult is the response to resources/read.
type ReadResourceResult struct {
	Meta     Meta              `json:"_meta,omitempty"`
	Contents []ResourceContent `json:"contents"`
}

// SubscribeRequestParams contains parameters for resources/subscribe.
type SubscribeRequestParams struct {
	URI string `json:"uri"`
}

// UnsubscribeRequestParams contains parameters for resources/unsubscribe.
type UnsubscribeRequestParams struct {
	URI string `json:"uri"`
}

// ResourceListChangedNotification informs that the resource list changed.
type ResourceListChangedNotification struct {
	Method string                 `json:"method"` // const: "notifications/resources/list_changed"
	Params map[string]interface{} `json:"params,omitempty"`
}

// ResourceUpdatedNotificationParams carries the URI of an updated resource
// the session subscribed to.
type ResourceUpdatedNotificationParams struct {
	URI string `json:"uri"`
}
