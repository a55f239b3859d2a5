// Package ingest turns lead lists from files, URLs, and the Notion queue
// into submission-ready leads. Every source funnels through the same
// header-alias mapping so column naming quirks stay in one place.
package ingest

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/registry"
)

// Lead-list columns are resolved against names seen across exported CRMs
// and county lists; first hit wins.
var columnAliases = map[string][]string{
	"external_id": {"external_id", "externalid", "lead_id", "id", "ref"},
	"street":      {"street", "address", "street_address", "situs_addr", "addr1", "property_address"},
	"city":        {"city", "situs_city", "property_city"},
	"state":       {"state", "st", "situs_state", "property_state"},
	"zip":         {"zip", "zipcode", "zip_code", "postal_code", "situs_zip"},
	"first_name":  {"first_name", "firstname", "first", "owner_first"},
	"last_name":   {"last_name", "lastname", "last", "owner_last"},
}

// columnMap resolves a header row into field -> column index.
type columnMap map[string]int

func mapHeader(header []string) (columnMap, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(h, " ", "_")))
		if key != "" {
			byName[key] = i
		}
	}

	cm := make(columnMap)
	for field, aliases := range columnAliases {
		for _, alias := range aliases {
			if idx, ok := byName[alias]; ok {
				cm[field] = idx
				break
			}
		}
	}
	if _, ok := cm["street"]; !ok {
		return nil, eris.Errorf("ingest: no street/address column in header %v", header)
	}
	return cm, nil
}

func (cm columnMap) get(row []string, field string) string {
	idx, ok := cm[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// leadFromRow maps one data row. Returns false when the row carries no
// street address and cannot become a unit of work.
func (cm columnMap) leadFromRow(row []string, seq int) (registry.Lead, bool) {
	street := cm.get(row, "street")
	if street == "" {
		return registry.Lead{}, false
	}

	externalID := cm.get(row, "external_id")
	if externalID == "" {
		externalID = "row-" + strconv.Itoa(seq)
	}

	return registry.Lead{
		ExternalID: externalID,
		Identity: model.Identity{
			Street:    street,
			City:      cm.get(row, "city"),
			State:     cm.get(row, "state"),
			Zip:       cm.get(row, "zip"),
			FirstName: cm.get(row, "first_name"),
			LastName:  cm.get(row, "last_name"),
		},
	}, true
}

// FromPath loads leads from a local CSV or XLSX file, chosen by extension.
func FromPath(ctx context.Context, path string) ([]registry.Lead, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FromCSVFile(ctx, path)
	case ".xlsx":
		return FromXLSX(path)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// FromURL loads leads from an http(s) or ftp URL pointing at a CSV.
func FromURL(ctx context.Context, rawURL string) ([]registry.Lead, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return FromHTTP(ctx, rawURL)
	case strings.HasPrefix(rawURL, "ftp://"):
		return FromFTP(ctx, rawURL)
	default:
		return nil, eris.Errorf("ingest: unsupported url scheme in %q", rawURL)
	}
}

// splitName splits a full owner name into first/last on the final space. A
// single token is treated as a last name.
func splitName(full string) (first, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return "", fields[0]
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}

func logSkipped(source string, skipped int) {
	if skipped > 0 {
		zap.L().Warn("ingest: skipped rows without a street address",
			zap.String("source", source),
			zap.Int("skipped", skipped),
		)
	}
}
