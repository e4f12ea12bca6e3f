package types

import "encoding/json"

// AIResult is the structured answer produced by the analysis process.
type AIResult struct {
	// Response is the advisory text shown to the user.
	Response string `json:"response"`

	// Sources lists the intermediate agent outputs the response was built
	// from, when the analysis process reports them.
	Sources []json.RawMessage `json:"sources,omitempty"`
}

// AIQueryResponse is the canonical envelope of the assistant endpoint.
type AIQueryResponse struct {
	Status string   `json:"status"`
	Result AIResult `json:"result"`
}
