package r5

import (
	"encoding/json"
	"time"
)

// Bundle is a FHIR R5 Bundle. Exports use type "collection".
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource. Resource is kept as raw JSON so a bundle
// can carry mixed resource types.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// NewCollection creates an empty collection bundle
func NewCollection(id string, at time.Time) *Bundle {
	at = at.UTC()
	return &Bundle{ResourceType: "Bundle", ID: id, Type: "collection", Timestamp: &at}
}

// Add appends a resource under fullURL.
func (b *Bundle) Add(fullURL string, resource any) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: data})
	return nil
}

// ResourceTypes lists the resourceType of every entry, in order.
func (b *Bundle) ResourceTypes() []string {
	out := make([]string, 0, len(b.Entry))
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		_ = json.Unmarshal(e.Resource, &head)
		out = append(out, head.ResourceType)
	}
	return out
}
