package schema

import (
	"encoding/json"
	"fmt"
)

// MaxCompletionValues caps the number of values one completion/complete
// response carries.
const MaxCompletionValues = 100

// PromptReference points a completion request at a prompt argument.
type PromptReference struct {
	Type string `json:"type"` // const: "ref/prompt"
	Name string `json:"name"`
}

// ResourceTemplateReference points a completion request at a resource
// template variable.
type ResourceTemplateReference struct {
	Type string `json:"type"` // const: "ref/resource"
	URI  string `json:"uri"`
}

// CompleteReference is the decoded ref field of a completion request.
type CompleteReference struct {
	Type string
	// Name for ref/prompt, URI for ref/resource.
	Name string
	URI  string
}

func (r *CompleteReference) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type string `json:"type"`
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case "ref/prompt", "ref/resource":
	default:
		return fmt.Errorf("unknown completion reference type %q", raw.Type)
	}
	r.Type = raw.Type
	r.Name = raw.Name
	r.URI = raw.URI
	return nil
}

func (r CompleteReference) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		URI  string `json:"uri,omitempty"`
	}{r.Type, r.Name, r.URI})
}

// CompleteArgument names the argument being completed and the partial
// value typed so far.
type CompleteArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteRequestParams contains parameters for completion/complete.
type CompleteRequestParams struct {
	Ref      CompleteReference `json:"ref"`
	Argument CompleteArgument  `json:"argument"`
}

// CompletionInfo contains completion results.
type CompletionInfo struct {
	// An array of completion values, at most MaxCompletionValues items.
	Values []string `json:"values"`
	// The total number of options available, including truncated ones.
	Total int `json:"total,omitempty"`
	// Whether options beyond Values exist.
	HasMore bool `json:"hasMore,omitempty"`
}

// CompleteResult is the response to completion/complete.
type CompleteResult struct {
	Meta       Meta           `json:"_meta,omitempty"`
	Completion CompletionInfo `json:"completion"`
}
