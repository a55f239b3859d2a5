// Package skiptrace is a thin client for the skip-trace vendor API, which
// resolves property owners to phone numbers and email addresses.
package skiptrace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.skipengine.example.com/v1"

// Client performs skip-trace lookups.
type Client interface {
	Trace(ctx context.Context, req TraceRequest) (*TraceResponse, error)
}

// TraceRequest is the request body for POST /trace.
type TraceRequest struct {
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// TraceResponse is the response from POST /trace.
type TraceResponse struct {
	Match          bool    `json:"match"`
	OwnerName      string  `json:"owner_name"`
	MailingAddress string  `json:"mailing_address"`
	Phones         []Phone `json:"phones"`
	Emails         []string `json:"emails"`
}

// Phone is one traced phone number.
type Phone struct {
	Number   string `json:"number"`
	LineType string `json:"line_type"`
}

// APIError is returned for non-2xx responses so callers can classify by
// status code.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("skiptrace: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
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

// NewClient creates a skip-trace API client.
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

func (c *httpClient) Trace(ctx context.Context, req TraceRequest) (*TraceResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trace", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result TraceResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "skiptrace: unmarshal response")
	}

	return &result, nil
}
