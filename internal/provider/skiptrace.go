package provider

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
	"github.com/parcelgrid/enrich-cli/pkg/skiptrace"
)

const defaultCallTimeout = 20 * time.Second

// SkipTraceAdapter wraps the skip-trace vendor client. It is the paid
// contact-resolution source: owner name plus phones and emails.
type SkipTraceAdapter struct {
	client    skiptrace.Client
	costCents int64
	limiter   *rate.Limiter
}

// NewSkipTrace creates the adapter. rps bounds outbound calls per second;
// zero or negative disables the limiter.
func NewSkipTrace(client skiptrace.Client, costCents int64, rps float64) *SkipTraceAdapter {
	a := &SkipTraceAdapter{client: client, costCents: costCents}
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return a
}

func (a *SkipTraceAdapter) Name() string { return "skiptrace" }

func (a *SkipTraceAdapter) CostCents() int64 { return a.costCents }

// CanServe requires an address; owner name fragments improve match quality
// but are optional.
func (a *SkipTraceAdapter) CanServe(id model.Identity) bool {
	return hasAddress(id)
}

func (a *SkipTraceAdapter) Call(ctx context.Context, id model.Identity, opts Options) (*model.ContactInfo, error) {
	if !hasAddress(id) {
		return nil, model.ValidationErrorf("skiptrace: identity missing address")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, model.UpstreamErrorf("skiptrace: rate limit wait: %v", err)
		}
	}

	resp, err := a.client.Trace(ctx, skiptrace.TraceRequest{
		Street:    id.Street,
		City:      id.City,
		State:     id.State,
		Zip:       id.Zip,
		FirstName: id.FirstName,
		LastName:  id.LastName,
	})
	if err != nil {
		return nil, classifyVendorErr("skiptrace", err)
	}

	if !resp.Match {
		// A clean no-match is a scrape failure: the provider answered but
		// produced no contact. Retrying may hit a fresher index.
		return nil, model.ScrapeErrorf("skiptrace: no match for identity")
	}

	contact := &model.ContactInfo{
		OwnerName:      resp.OwnerName,
		MailingAddress: resp.MailingAddress,
		Emails:         resp.Emails,
	}
	for _, p := range resp.Phones {
		contact.Phones = append(contact.Phones, model.Phone{Number: p.Number, LineType: p.LineType})
	}
	return contact, nil
}

// classifyVendorErr maps a thin-client error into the item error taxonomy.
func classifyVendorErr(component string, err error) error {
	var stErr *skiptrace.APIError
	if errors.As(err, &stErr) {
		return statusErr(component, stErr.StatusCode, stErr.Body)
	}
	return model.UpstreamErrorf("%s: %v", component, err)
}

func statusErr(component string, status int, body string) error {
	if resilience.KindForStatus(status) == model.ErrKindValidation {
		return model.ValidationErrorf("%s: status %d: %s", component, status, body)
	}
	return model.UpstreamErrorf("%s: status %d: %s", component, status, body)
}
