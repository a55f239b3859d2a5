package propdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   string
		wantFound bool
		wantOwner string
		wantAPN   string
	}{
		{
			name:   "found",
			status: http.StatusOK,
			body: `{
				"found": true,
				"owner_name": "TRAVIS HOLDINGS LLC",
				"mailing_address": "500 W 2ND ST STE 1900, AUSTIN, TX 78701",
				"apn": "02-1803-0412-0000",
				"use_code": "A1",
				"last_sale_date": "2021-06-14"
			}`,
			wantFound: true,
			wantOwner: "TRAVIS HOLDINGS LLC",
			wantAPN:   "02-1803-0412-0000",
		},
		{
			name:      "not_found",
			status:    http.StatusOK,
			body:      `{"found": false}`,
			wantFound: false,
		},
		{
			name:    "server_error",
			status:  http.StatusInternalServerError,
			body:    `{"error": "internal server error"}`,
			wantErr: "unexpected status 500",
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
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/property", r.URL.Path)
				assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
				assert.Equal(t, "901 CONGRESS AVE", r.URL.Query().Get("street"))
				assert.Equal(t, "78701", r.URL.Query().Get("zip"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL))

			rec, err := client.Lookup(context.Background(), LookupRequest{
				Street: "901 CONGRESS AVE",
				City:   "Austin",
				State:  "TX",
				Zip:    "78701",
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, rec)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.wantFound, rec.Found)
			assert.Equal(t, tt.wantOwner, rec.OwnerName)
			assert.Equal(t, tt.wantAPN, rec.APN)
		})
	}
}

func TestLookupAPIErrorType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": "plan does not cover this county"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	_, err := client.Lookup(context.Background(), LookupRequest{Street: "1 MAIN ST", Zip: "78701"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
