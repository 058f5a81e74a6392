package models

// ModelSummary is the client-facing view of one installed model.
type ModelSummary struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

// UpstreamModel is one entry of the inference service's /api/tags listing.
type UpstreamModel struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// TagsResponse is the /api/tags response body.
type TagsResponse struct {
	Models []UpstreamModel `json:"models"`
}
