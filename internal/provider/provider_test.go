package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/pkg/propdata"
	"github.com/parcelgrid/enrich-cli/pkg/skiptrace"
)

type fakeAdapter struct {
	name     string
	cost     int64
	canServe bool
}

func (f *fakeAdapter) Name() string                   { return f.name }
func (f *fakeAdapter) CostCents() int64               { return f.cost }
func (f *fakeAdapter) CanServe(_ model.Identity) bool { return f.canServe }
func (f *fakeAdapter) Call(_ context.Context, _ model.Identity, _ Options) (*model.ContactInfo, error) {
	return &model.ContactInfo{OwnerName: f.name}, nil
}

func TestRegistryRoutesByPriority(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "paid", cost: 25, canServe: true}, 10)
	r.Register(&fakeAdapter{name: "local", cost: 0, canServe: true}, 0)

	got := r.RouteAll(model.Identity{Street: "1 MAIN ST", Zip: "78701"})
	require.Len(t, got, 2)
	assert.Equal(t, "local", got[0].Name())
	assert.Equal(t, "paid", got[1].Name())
	assert.Equal(t, []string{"local", "paid"}, r.List())
}

func TestRegistrySkipsUnservable(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "local", canServe: false}, 0)
	r.Register(&fakeAdapter{name: "paid", cost: 25, canServe: true}, 10)

	got := r.RouteAll(model.Identity{Street: "1 MAIN ST", Zip: "78701"})
	require.Len(t, got, 1)
	assert.Equal(t, "paid", got[0].Name())
}

func TestRegistryRouteNoneServable(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "local", canServe: false}, 0)

	assert.Empty(t, r.RouteAll(model.Identity{Street: "1 MAIN ST"}))
}

func TestHasAddress(t *testing.T) {
	assert.True(t, hasAddress(model.Identity{Street: "1 MAIN ST", Zip: "78701"}))
	assert.True(t, hasAddress(model.Identity{Street: "1 MAIN ST", City: "Austin", State: "TX"}))
	assert.False(t, hasAddress(model.Identity{Street: "1 MAIN ST"}))
	assert.False(t, hasAddress(model.Identity{Zip: "78701"}))
}

type fakeTraceClient struct {
	resp *skiptrace.TraceResponse
	err  error
}

func (f *fakeTraceClient) Trace(_ context.Context, _ skiptrace.TraceRequest) (*skiptrace.TraceResponse, error) {
	return f.resp, f.err
}

func TestSkipTraceCallSuccess(t *testing.T) {
	a := NewSkipTrace(&fakeTraceClient{resp: &skiptrace.TraceResponse{
		Match:          true,
		OwnerName:      "DELGADO MARIA",
		MailingAddress: "PO BOX 441, AUSTIN, TX 78701",
		Phones:         []skiptrace.Phone{{Number: "+15125550134", LineType: "mobile"}},
		Emails:         []string{"m.delgado@example.com"},
	}}, 25, 0)

	contact, err := a.Call(context.Background(), model.Identity{Street: "1 MAIN ST", Zip: "78701"}, Options{})
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, "DELGADO MARIA", contact.OwnerName)
	require.Len(t, contact.Phones, 1)
	assert.Equal(t, "mobile", contact.Phones[0].LineType)
	assert.Equal(t, int64(25), a.CostCents())
}

func TestSkipTraceCallNoMatchIsScrapeError(t *testing.T) {
	a := NewSkipTrace(&fakeTraceClient{resp: &skiptrace.TraceResponse{Match: false}}, 25, 0)

	_, err := a.Call(context.Background(), model.Identity{Street: "1 MAIN ST", Zip: "78701"}, Options{})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindScrape, model.KindOf(err))
	assert.True(t, model.KindOf(err).Retryable())
}

func TestSkipTraceCallMissingAddressIsValidation(t *testing.T) {
	a := NewSkipTrace(&fakeTraceClient{}, 25, 0)

	_, err := a.Call(context.Background(), model.Identity{FirstName: "Maria"}, Options{})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindValidation, model.KindOf(err))
	assert.False(t, model.KindOf(err).Retryable())
}

func TestSkipTraceCallClassifiesStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind model.ErrorKind
	}{
		{"bad_request", 400, model.ErrKindValidation},
		{"unprocessable", 422, model.ErrKindValidation},
		{"rate_limited", 429, model.ErrKindUpstream},
		{"server_error", 500, model.ErrKindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewSkipTrace(&fakeTraceClient{err: &skiptrace.APIError{StatusCode: tt.status, Body: "boom"}}, 25, 0)

			_, err := a.Call(context.Background(), model.Identity{Street: "1 MAIN ST", Zip: "78701"}, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, model.KindOf(err))
		})
	}
}

type fakeLookupClient struct {
	rec *propdata.PropertyRecord
	err error
}

func (f *fakeLookupClient) Lookup(_ context.Context, _ propdata.LookupRequest) (*propdata.PropertyRecord, error) {
	return f.rec, f.err
}

func TestPropDataCallSuccess(t *testing.T) {
	a := NewPropData(&fakeLookupClient{rec: &propdata.PropertyRecord{
		Found:          true,
		OwnerName:      "TRAVIS HOLDINGS LLC",
		MailingAddress: "500 W 2ND ST STE 1900, AUSTIN, TX 78701",
	}}, 10, 0)

	contact, err := a.Call(context.Background(), model.Identity{Street: "1 MAIN ST", Zip: "78701"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "TRAVIS HOLDINGS LLC", contact.OwnerName)
	assert.Empty(t, contact.Phones)
}

func TestPropDataCallNoOwnerIsScrapeError(t *testing.T) {
	a := NewPropData(&fakeLookupClient{rec: &propdata.PropertyRecord{Found: false}}, 10, 0)

	_, err := a.Call(context.Background(), model.Identity{Street: "1 MAIN ST", Zip: "78701"}, Options{})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindScrape, model.KindOf(err))
}

func TestPropDataCallClassifiesStatus(t *testing.T) {
	a := NewPropData(&fakeLookupClient{err: &propdata.APIError{StatusCode: 503, Body: "maintenance"}}, 10, 0)

	_, err := a.Call(context.Background(), model.Identity{Street: "1 MAIN ST", Zip: "78701"}, Options{})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindUpstream, model.KindOf(err))
}
