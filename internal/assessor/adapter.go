package assessor

import (
	"context"

	"github.com/parcelgrid/enrich-cli/internal/identity"
	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/provider"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

// Adapter serves owner-of-record lookups from loaded parcel rolls. Zero
// cost, so it registers ahead of every paid provider; a miss lets the
// dispatcher fall through to the next adapter in the chain.
type Adapter struct {
	store store.Store
}

// NewAdapter creates the assessor adapter over the given store.
func NewAdapter(st store.Store) *Adapter {
	return &Adapter{store: st}
}

func (a *Adapter) Name() string { return "assessor" }

func (a *Adapter) CostCents() int64 { return 0 }

func (a *Adapter) CanServe(id model.Identity) bool {
	return id.Street != "" && (id.Zip != "" || (id.City != "" && id.State != ""))
}

func (a *Adapter) Call(ctx context.Context, id model.Identity, _ provider.Options) (*model.ContactInfo, error) {
	if !a.CanServe(id) {
		return nil, model.ValidationErrorf("assessor: identity missing address")
	}

	parcel, err := a.store.FindParcelBySitus(ctx, identity.SitusKey(id))
	if err != nil {
		return nil, model.UpstreamErrorf("assessor: parcel lookup: %v", err)
	}
	if parcel == nil || parcel.OwnerName == "" {
		return nil, model.ScrapeErrorf("assessor: no parcel on file for address")
	}

	return &model.ContactInfo{
		OwnerName:      parcel.OwnerName,
		MailingAddress: parcel.MailingAddress,
	}, nil
}

var _ provider.Adapter = (*Adapter)(nil)
