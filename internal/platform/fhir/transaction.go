package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ReferenceError lists the urn:uuid references of a transaction that do not
// resolve to an entry fullUrl of the same bundle.
type ReferenceError struct {
	Issues []OperationOutcomeIssue
}

func (e *ReferenceError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Diagnostics)
	}
	return "invalid transaction: " + strings.Join(msgs, "; ")
}

// Outcome renders the error as an OperationOutcome.
func (e *ReferenceError) Outcome() *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: e.Issues}
}

// ParseTransactionBundle parses a raw JSON body into a transaction Bundle.
func ParseTransactionBundle(body []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", b.ResourceType)
	}
	if b.Type != BundleTypeTransaction {
		return nil, fmt.Errorf("expected bundle type %q, got %q", BundleTypeTransaction, b.Type)
	}
	return &b, nil
}

// ValidateReferences checks the structure of a transaction bundle: every entry
// carries a resource and a POST/PUT request, fullUrls are unique, and every
// urn:uuid reference points at a fullUrl of the same bundle.
func ValidateReferences(b *Bundle) error {
	if b == nil {
		return &ReferenceError{Issues: []OperationOutcomeIssue{{
			Severity: IssueSeverityError, Code: IssueTypeRequired, Diagnostics: "bundle is required",
		}}}
	}

	var issues []OperationOutcomeIssue
	fullURLs := make(map[string]bool, len(b.Entry))
	for i, e := range b.Entry {
		if e.FullURL == "" {
			continue
		}
		if fullURLs[e.FullURL] {
			issues = append(issues, OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeInvalid,
				Diagnostics: fmt.Sprintf("entry[%d]: duplicate fullUrl %s", i, e.FullURL),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].fullUrl", i)},
			})
		}
		fullURLs[e.FullURL] = true
	}

	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			issues = append(issues, OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeRequired,
				Diagnostics: fmt.Sprintf("entry[%d]: resource is required", i),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].resource", i)},
			})
			continue
		}
		if e.Request == nil || e.Request.URL == "" {
			issues = append(issues, OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeRequired,
				Diagnostics: fmt.Sprintf("entry[%d]: request.url is required", i),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].request", i)},
			})
		} else if e.Request.Method != http.MethodPost && e.Request.Method != http.MethodPut {
			issues = append(issues, OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeInvalid,
				Diagnostics: fmt.Sprintf("entry[%d]: unsupported method %q", i, e.Request.Method),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].request.method", i)},
			})
		}

		var res map[string]interface{}
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			issues = append(issues, OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeInvalid,
				Diagnostics: fmt.Sprintf("entry[%d]: invalid resource: %v", i, err),
			})
			continue
		}
		for _, ref := range extractReferences(res) {
			if IsURNReference(ref) && !fullURLs[ref] {
				issues = append(issues, OperationOutcomeIssue{
					Severity:    IssueSeverityError,
					Code:        IssueTypeInvalid,
					Diagnostics: fmt.Sprintf("entry[%d]: reference %s does not resolve within the bundle", i, ref),
					Expression:  []string{fmt.Sprintf("Bundle.entry[%d].resource", i)},
				})
			}
		}
	}

	if len(issues) > 0 {
		return &ReferenceError{Issues: issues}
	}
	return nil
}

// extractReferences collects every "reference" string in a resource tree.
func extractReferences(resource map[string]interface{}) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
	return refs
}

// ResolveInternalReferences replaces urn:uuid references in resource with the
// locations they were assigned (e.g., "Patient/123").
func ResolveInternalReferences(resource map[string]interface{}, idMap map[string]string) {
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if ref, ok := child.(string); ok && k == "reference" {
					if mapped, found := idMap[ref]; found {
						val[k] = mapped
					}
					continue
				}
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
}

// EntryHandler persists one transaction entry and reports its outcome.
type EntryHandler func(ctx context.Context, method, resourceType string, resource map[string]interface{}) (*BundleResponse, error)

// TransactionProcessor applies a transaction bundle entry by entry, resolving
// urn:uuid references to the locations assigned to earlier entries.
// Atomicity is the handler's concern (e.g. a surrounding database transaction).
type TransactionProcessor struct {
	handler EntryHandler
}

func NewTransactionProcessor(handler EntryHandler) *TransactionProcessor {
	return &TransactionProcessor{handler: handler}
}

// Process applies every entry of b and returns a transaction-response bundle
// whose entries line up index-for-index with the request entries.
func (p *TransactionProcessor) Process(ctx context.Context, b *Bundle) (*Bundle, error) {
	if err := ValidateReferences(b); err != nil {
		return nil, err
	}

	idMap := make(map[string]string, len(b.Entry))
	responses := make([]BundleEntry, len(b.Entry))
	for i, e := range b.Entry {
		res, err := b.DecodeEntry(i)
		if err != nil {
			return nil, err
		}
		ResolveInternalReferences(res, idMap)

		resourceType, _ := ParseEntryURL(e.Request.URL)
		resp, err := p.handler(ctx, e.Request.Method, resourceType, res)
		if err != nil {
			return nil, fmt.Errorf("transaction failed at entry %d (%s %s): %w", i, e.Request.Method, e.Request.URL, err)
		}
		if IsURNReference(e.FullURL) && resp.Location != "" {
			idMap[e.FullURL] = LocationReference(resp.Location)
		}
		responses[i] = BundleEntry{Response: resp}
	}
	return NewTransactionResponse(responses), nil
}

// ParseEntryURL splits a request url such as "Patient" or "Patient/123".
func ParseEntryURL(url string) (resourceType, id string) {
	if idx := strings.Index(url, "?"); idx >= 0 {
		url = url[:idx]
	}
	parts := strings.SplitN(url, "/", 3)
	resourceType = parts[0]
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resourceType, id
}

// LocationReference trims a response location such as
// "RiskAssessment/123/_history/1" down to "RiskAssessment/123".
func LocationReference(location string) string {
	if idx := strings.Index(location, "/_history"); idx >= 0 {
		location = location[:idx]
	}
	if idx := strings.Index(location, "://"); idx >= 0 {
		// absolute url: keep the trailing Type/id
		parts := strings.Split(strings.TrimRight(location, "/"), "/")
		if len(parts) >= 2 {
			return parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
	}
	return location
}

// ParseTransactionResponse decodes a transaction-response bundle.
func ParseTransactionResponse(body []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("invalid transaction response: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", b.ResourceType)
	}
	if b.Type != BundleTypeTransactionResponse {
		return nil, fmt.Errorf("expected bundle type %q, got %q", BundleTypeTransactionResponse, b.Type)
	}
	return &b, nil
}

// EntryLocations pairs the request fullUrls with the response locations. FHIR
// requires response entries in request order.
func EntryLocations(request, response *Bundle) map[string]string {
	out := make(map[string]string, len(request.Entry))
	for i, e := range request.Entry {
		if i >= len(response.Entry) || response.Entry[i].Response == nil {
			break
		}
		out[e.FullURL] = response.Entry[i].Response.Location
	}
	return out
}
