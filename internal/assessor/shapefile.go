// Package assessor loads county parcel rolls from shapefiles and serves
// them back as a zero-cost provider adapter, so owner-of-record lookups hit
// local data before any paid vendor.
package assessor

import (
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/identity"
	"github.com/parcelgrid/enrich-cli/internal/model"
)

// County roll shapefiles do not share a schema; each attribute is resolved
// against a list of names seen across county publishers, first hit wins.
var columnAliases = map[string][]string{
	"apn":          {"apn", "parcel_id", "parcelid", "pin", "prop_id", "geo_id"},
	"situs_street": {"situs_addr", "situs_street", "site_addr", "situs", "prop_addr", "location"},
	"situs_city":   {"situs_city", "site_city", "prop_city", "city"},
	"situs_state":  {"situs_st", "situs_state", "site_state", "state"},
	"situs_zip":    {"situs_zip", "site_zip", "prop_zip", "zip", "zipcode"},
	"owner":        {"owner_name", "owner", "own_name", "owner1", "py_owner_n"},
	"mailing":      {"mail_addr", "mailing_address", "mail_address", "own_addr", "py_addr_li"},
}

// ParseShapefile reads one county roll shapefile into parcel rows. Records
// with no APN or no situs street are skipped: they cannot be keyed.
func ParseShapefile(shpPath, county string) ([]model.Parcel, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "assessor: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}

	attr := func(key string, record func(int) string) string {
		for _, alias := range columnAliases[key] {
			idx, ok := fieldIdx[alias]
			if !ok {
				continue
			}
			val := strings.TrimSpace(strings.TrimRight(record(idx), "\x00"))
			if val != "" {
				return val
			}
		}
		return ""
	}

	now := time.Now().UTC()
	var parcels []model.Parcel
	var skipped int

	for reader.Next() {
		_, shape := reader.Shape()
		read := reader.Attribute

		p := model.Parcel{
			APN:            attr("apn", read),
			County:         county,
			SitusStreet:    attr("situs_street", read),
			SitusCity:      attr("situs_city", read),
			SitusState:     attr("situs_state", read),
			SitusZip:       attr("situs_zip", read),
			OwnerName:      attr("owner", read),
			MailingAddress: attr("mailing", read),
			LoadedAt:       now,
		}
		if p.APN == "" || p.SitusStreet == "" {
			skipped++
			continue
		}

		p.SitusKey = identity.SitusKey(model.Identity{
			Street: p.SitusStreet,
			City:   p.SitusCity,
			State:  p.SitusState,
			Zip:    p.SitusZip,
		})

		if wkb, encErr := encodeWKB(shape); encErr == nil {
			p.GeomWKB = wkb
		}

		parcels = append(parcels, p)
	}

	if skipped > 0 {
		zap.L().Debug("assessor: skipped unkeyable shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}

	return parcels, nil
}
