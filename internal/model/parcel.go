package model

import "time"

// Parcel is one county assessor roll row: the situs address, the owner of
// record, and optionally the parcel geometry as WKB. Loaded in bulk from
// county shapefiles and served by the zero-cost assessor provider.
type Parcel struct {
	APN            string    `json:"apn"`
	County         string    `json:"county"`
	SitusStreet    string    `json:"situs_street"`
	SitusCity      string    `json:"situs_city"`
	SitusState     string    `json:"situs_state"`
	SitusZip       string    `json:"situs_zip"`
	SitusKey       string    `json:"situs_key"`
	OwnerName      string    `json:"owner_name"`
	MailingAddress string    `json:"mailing_address,omitempty"`
	GeomWKB        []byte    `json:"-"`
	LoadedAt       time.Time `json:"loaded_at"`
}
