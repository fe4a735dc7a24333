// Package fhirclient submits transaction bundles to a remote FHIR R4 server.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/riskwatch/internal/platform/fhir"
)

const (
	ContentTypeFHIRJSON = "application/fhir+json"
	StoreName           = "fhir"
)

type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Client posts transaction bundles to a FHIR server base URL. Submissions
// share one limiter; a failed submission is reported, never retried.
type Client struct {
	baseURL    string
	httpClient *resty.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: resty.New().
			SetTimeout(timeout).
			SetRetryCount(0).
			SetHeader("Accept", ContentTypeFHIRJSON),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "fhirclient").Logger(),
	}
}

func (c *Client) Name() string { return StoreName }

// Submit posts b to the server base URL. Only 200 and 201 count as accepted.
func (c *Client) Submit(ctx context.Context, b *fhir.Bundle) (*fhir.Receipt, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, &fhir.DeliveryError{Err: fmt.Errorf("marshal bundle: %w", err)}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &fhir.DeliveryError{Err: fmt.Errorf("rate limiter: %w", err)}
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", ContentTypeFHIRJSON).
		SetBody(body).
		Post(c.baseURL)
	if err != nil {
		return nil, &fhir.DeliveryError{Err: fmt.Errorf("post transaction: %w", err)}
	}

	status := resp.StatusCode()
	if status != http.StatusOK && status != http.StatusCreated {
		de := &fhir.DeliveryError{StatusCode: status}
		var oo fhir.OperationOutcome
		if json.Unmarshal(resp.Body(), &oo) == nil && oo.ResourceType == "OperationOutcome" {
			de.Outcome = &oo
		} else {
			de.Err = fmt.Errorf("unexpected response: %s", truncate(resp.String(), 200))
		}
		return nil, de
	}

	receipt := &fhir.Receipt{Store: StoreName, StatusCode: status, Locations: map[string]string{}}
	txResp, err := fhir.ParseTransactionResponse(resp.Body())
	if err != nil {
		c.logger.Warn().Err(err).Int("status", status).Msg("accepted transaction without a readable response bundle")
		return receipt, nil
	}
	receipt.Locations = fhir.EntryLocations(b, txResp)
	return receipt, nil
}

// Ping fetches the server CapabilityStatement.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.httpClient.R().SetContext(ctx).Get(c.baseURL + "/metadata")
	if err != nil {
		return fmt.Errorf("fhir server unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("fhir server metadata: status %d", resp.StatusCode())
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
