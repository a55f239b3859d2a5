package skiptrace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrace(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    string
		wantMatch  bool
		wantOwner  string
		wantPhones int
	}{
		{
			name:   "match",
			status: http.StatusOK,
			body: `{
				"match": true,
				"owner_name": "DELGADO MARIA",
				"mailing_address": "PO BOX 441, AUSTIN, TX 78701",
				"phones": [{"number": "+15125550134", "line_type": "mobile"}],
				"emails": ["m.delgado@example.com"]
			}`,
			wantMatch:  true,
			wantOwner:  "DELGADO MARIA",
			wantPhones: 1,
		},
		{
			name:      "no_match",
			status:    http.StatusOK,
			body:      `{"match": false}`,
			wantMatch: false,
		},
		{
			name:    "rate_limit",
			status:  http.StatusTooManyRequests,
			body:    `{"error": "rate limit exceeded"}`,
			wantErr: "unexpected status 429",
		},
		{
			name:    "bad_request",
			status:  http.StatusBadRequest,
			body:    `{"error": "street is required"}`,
			wantErr: "unexpected status 400",
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/trace", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				raw, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				var req TraceRequest
				require.NoError(t, json.Unmarshal(raw, &req))
				assert.Equal(t, "901 CONGRESS AVE", req.Street)
				assert.Equal(t, "78701", req.Zip)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL))

			resp, err := client.Trace(context.Background(), TraceRequest{
				Street: "901 CONGRESS AVE",
				City:   "Austin",
				State:  "TX",
				Zip:    "78701",
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, resp)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantMatch, resp.Match)
			assert.Equal(t, tt.wantOwner, resp.OwnerName)
			assert.Len(t, resp.Phones, tt.wantPhones)
		})
	}
}

func TestTraceAPIErrorType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error": "zip does not exist"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	_, err := client.Trace(context.Background(), TraceRequest{Street: "1 MAIN ST", Zip: "00000"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "zip does not exist")
}

func TestTraceContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"match": false}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Trace(ctx, TraceRequest{Street: "1 MAIN ST", Zip: "78701"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
