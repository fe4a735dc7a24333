package fhir

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified *time.Time        `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// NewTransaction creates an empty transaction Bundle.
func NewTransaction() *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeTransaction,
	}
}

// NewTransactionResponse creates a transaction-response Bundle from entry outcomes.
func NewTransactionResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeTransactionResponse,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// AddCreate appends a POST entry for resource. The entry fullUrl is the
// urn:uuid form of id so other entries in the same bundle can reference it.
func (b *Bundle) AddCreate(resourceType, id string, resource interface{}) error {
	if resourceType == "" || id == "" {
		return fmt.Errorf("bundle entry needs a resource type and id")
	}
	raw, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", resourceType, id, err)
	}
	b.Entry = append(b.Entry, BundleEntry{
		FullURL:  URNReference(id),
		Resource: raw,
		Request: &BundleRequest{
			Method: http.MethodPost,
			URL:    resourceType,
		},
	})
	return nil
}

// ResourceTypes lists the resource type of every entry, in order.
func (b *Bundle) ResourceTypes() []string {
	out := make([]string, 0, len(b.Entry))
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if len(e.Resource) > 0 {
			_ = json.Unmarshal(e.Resource, &head)
		}
		out = append(out, head.ResourceType)
	}
	return out
}

// DecodeEntry unmarshals the resource of entry i into a generic map.
func (b *Bundle) DecodeEntry(i int) (map[string]interface{}, error) {
	if i < 0 || i >= len(b.Entry) {
		return nil, fmt.Errorf("entry %d out of range", i)
	}
	var res map[string]interface{}
	if err := json.Unmarshal(b.Entry[i].Resource, &res); err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", i, err)
	}
	return res, nil
}
