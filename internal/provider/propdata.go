package provider

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/pkg/propdata"
)

// PropDataAdapter wraps the property-data scraper client. It resolves the
// owner of record and mailing address but carries no phone or email data,
// so it sits below skiptrace in routing priority and above nothing-found.
type PropDataAdapter struct {
	client    propdata.Client
	costCents int64
	limiter   *rate.Limiter
}

// NewPropData creates the adapter. rps bounds outbound calls per second;
// zero or negative disables the limiter.
func NewPropData(client propdata.Client, costCents int64, rps float64) *PropDataAdapter {
	a := &PropDataAdapter{client: client, costCents: costCents}
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return a
}

func (a *PropDataAdapter) Name() string { return "propdata" }

func (a *PropDataAdapter) CostCents() int64 { return a.costCents }

func (a *PropDataAdapter) CanServe(id model.Identity) bool {
	return hasAddress(id)
}

func (a *PropDataAdapter) Call(ctx context.Context, id model.Identity, opts Options) (*model.ContactInfo, error) {
	if !hasAddress(id) {
		return nil, model.ValidationErrorf("propdata: identity missing address")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, model.UpstreamErrorf("propdata: rate limit wait: %v", err)
		}
	}

	rec, err := a.client.Lookup(ctx, propdata.LookupRequest{
		Street: id.Street,
		City:   id.City,
		State:  id.State,
		Zip:    id.Zip,
	})
	if err != nil {
		var apiErr *propdata.APIError
		if errors.As(err, &apiErr) {
			return nil, statusErr("propdata", apiErr.StatusCode, apiErr.Body)
		}
		return nil, model.UpstreamErrorf("propdata: %v", err)
	}

	if !rec.Found || rec.OwnerName == "" {
		return nil, model.ScrapeErrorf("propdata: no owner of record for address")
	}

	return &model.ContactInfo{
		OwnerName:      rec.OwnerName,
		MailingAddress: rec.MailingAddress,
	}, nil
}

var _ Adapter = (*SkipTraceAdapter)(nil)
var _ Adapter = (*PropDataAdapter)(nil)
