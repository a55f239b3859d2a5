// Package propdata is a thin client for the property-data scraper API,
// which returns owner-of-record and mailing details for an address.
package propdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.propgrid.example.com/v2"

// Client performs property lookups.
type Client interface {
	Lookup(ctx context.Context, req LookupRequest) (*PropertyRecord, error)
}

// LookupRequest identifies the property to look up.
type LookupRequest struct {
	Street string
	City   string
	State  string
	Zip    string
}

// PropertyRecord is the response from GET /property.
type PropertyRecord struct {
	Found          bool   `json:"found"`
	OwnerName      string `json:"owner_name"`
	MailingAddress string `json:"mailing_address"`
	APN            string `json:"apn"`
	UseCode        string `json:"use_code"`
	LastSaleDate   string `json:"last_sale_date"`
}

// APIError is returned for non-2xx responses so callers can classify by
// status code.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("propdata: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a property-data API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Lookup(ctx context.Context, req LookupRequest) (*PropertyRecord, error) {
	q := url.Values{}
	q.Set("street", req.Street)
	q.Set("city", req.City)
	q.Set("state", req.State)
	q.Set("zip", req.Zip)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/property?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "propdata: create request")
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "propdata: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "propdata: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result PropertyRecord
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "propdata: unmarshal response")
	}

	return &result, nil
}
