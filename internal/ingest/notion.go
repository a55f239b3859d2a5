package ingest

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/registry"
	"github.com/parcelgrid/enrich-cli/internal/resilience"
)

// NotionClient is the slice of the Notion API the lead queue needs.
type NotionClient interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

// notionClient wraps *notionapi.Client with Notion's 3 req/s rate limit.
type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewNotionClient creates a rate-limited Notion client from an integration
// token.
func NewNotionClient(token string) NotionClient {
	return &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(3, 1),
	}
}

func (c *notionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ingest: notion rate limit")
	}
	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: notion query database %s", dbID)
	}
	return resp, nil
}

// FromNotion pulls every lead with Status = "Queued" from the database,
// following pagination.
func FromNotion(ctx context.Context, c NotionClient, dbID string) ([]registry.Lead, error) {
	req := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status:   &notionapi.StatusFilterCondition{Equals: "Queued"},
		},
	}

	queryRetry := resilience.RetryConfig{
		OnRetry: resilience.RetryLogger("ingest", "notion query"),
	}

	var leads []registry.Lead
	var skipped int
	for {
		resp, err := resilience.DoVal(ctx, queryRetry, func(ctx context.Context) (*notionapi.DatabaseQueryResponse, error) {
			return c.QueryDatabase(ctx, dbID, req)
		})
		if err != nil {
			return nil, err
		}

		for _, page := range resp.Results {
			lead, ok := pageToLead(page)
			if !ok {
				skipped++
				continue
			}
			leads = append(leads, lead)
		}

		if !resp.HasMore {
			break
		}
		req.StartCursor = resp.NextCursor
	}

	logSkipped("notion:"+dbID, skipped)
	return leads, nil
}

// pageToLead maps a Notion lead page onto an identity. The page id is the
// external reference; address fields are rich text, the owner name is the
// page title.
func pageToLead(page notionapi.Page) (registry.Lead, bool) {
	id := model.Identity{
		Street: richText(page, "Street"),
		City:   richText(page, "City"),
		State:  richText(page, "State"),
		Zip:    richText(page, "Zip"),
	}
	if id.Street == "" {
		return registry.Lead{}, false
	}

	if prop, ok := page.Properties["Name"]; ok {
		if tp, ok := prop.(*notionapi.TitleProperty); ok {
			var name string
			for _, rt := range tp.Title {
				name += rt.PlainText
			}
			id.FirstName, id.LastName = splitName(name)
		}
	}

	return registry.Lead{ExternalID: string(page.ID), Identity: id}, true
}

func richText(page notionapi.Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		return ""
	}
	rtp, ok := prop.(*notionapi.RichTextProperty)
	if !ok {
		return ""
	}
	var s string
	for _, rt := range rtp.RichText {
		s += rt.PlainText
	}
	return s
}
