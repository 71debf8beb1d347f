package api

// Model is a single entry in the OpenAI-compatible model listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the envelope returned by /v1/models, both by the
// upstream inference server and by the gateway itself.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// IDs extracts the model identifiers in listing order.
func (l ModelList) IDs() []string {
	ids := make([]string, 0, len(l.Data))
	for _, m := range l.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
