// Package identity derives deterministic signatures from raw address and
// owner-name input so repeat submissions resolve to the same unit of work.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

// Signature holds the derived identity of one enrichment target.
type Signature struct {
	// Primary is the strict normalization: two inputs with equal primaries
	// are the same identity everywhere downstream.
	Primary string
	// Fuzzy is a looser form (house number, street stem, zip, last-name
	// initial) used for near-duplicate reporting only.
	Fuzzy string
	// IdemKey is the hex-encoded SHA-256 of Primary.
	IdemKey string
}

// suffixAbbr collapses street suffix and directional spellings to their
// USPS abbreviations so "123 Main Street" and "123 MAIN ST" agree.
var suffixAbbr = map[string]string{
	"STREET": "ST", "STR": "ST",
	"AVENUE": "AVE", "AVEN": "AVE", "AV": "AVE",
	"BOULEVARD": "BLVD", "BOUL": "BLVD",
	"DRIVE": "DR", "DRV": "DR",
	"LANE": "LN",
	"ROAD": "RD",
	"COURT": "CT",
	"CIRCLE": "CIR", "CRCL": "CIR",
	"PLACE": "PL",
	"TERRACE": "TER",
	"TRAIL": "TRL",
	"PARKWAY": "PKWY", "PKY": "PKWY",
	"HIGHWAY": "HWY",
	"SQUARE": "SQ",
	"NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
	"NORTHEAST": "NE", "NORTHWEST": "NW",
	"SOUTHEAST": "SE", "SOUTHWEST": "SW",
	"APARTMENT": "APT", "UNIT": "APT", "SUITE": "STE",
}

// asciiFold strips combining marks after NFD decomposition, so "José" and
// "Jose" normalize identically.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Resolve computes the signatures for a raw identity. Pure and
// deterministic: no I/O, no clock, no randomness.
func Resolve(id model.Identity) Signature {
	street := normalizeStreet(id.Street)
	city := normalizeField(id.City)
	state := normalizeField(id.State)
	zip := normalizeZip(id.Zip)
	first := normalizeField(id.FirstName)
	last := normalizeField(id.LastName)

	primary := strings.Join([]string{street, city, state, zip, first, last}, "|")
	sum := sha256.Sum256([]byte(primary))

	return Signature{
		Primary: primary,
		Fuzzy:   fuzzySignature(street, zip, last),
		IdemKey: hex.EncodeToString(sum[:]),
	}
}

// Key is a shorthand for Resolve(id).IdemKey.
func Key(id model.Identity) string {
	return Resolve(id).IdemKey
}

// SitusKey derives the address-only key used to match an identity against
// assessor parcel rows. Owner-name fragments are excluded so any name
// variant still matches the parcel at the same address.
func SitusKey(id model.Identity) string {
	return strings.Join([]string{
		normalizeStreet(id.Street),
		normalizeField(id.City),
		normalizeField(id.State),
		normalizeZip(id.Zip),
	}, "|")
}

// normalizeField uppercases, folds diacritics, replaces punctuation with
// spaces, and collapses runs of whitespace.
func normalizeField(s string) string {
	folded, _, err := transform.String(asciiFold, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// normalizeStreet applies field normalization and then collapses each word
// through the USPS abbreviation table.
func normalizeStreet(s string) string {
	words := strings.Fields(normalizeField(s))
	for i, w := range words {
		if abbr, ok := suffixAbbr[w]; ok {
			words[i] = abbr
		}
	}
	return strings.Join(words, " ")
}

// normalizeZip keeps digits only and truncates ZIP+4 to the 5-digit form.
func normalizeZip(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	zip := b.String()
	if len(zip) > 5 {
		zip = zip[:5]
	}
	return zip
}

// fuzzySignature builds the near-duplicate key: house number, the first four
// characters of the street name stem, the zip, and the last-name initial.
func fuzzySignature(street, zip, last string) string {
	words := strings.Fields(street)
	var houseNum, stem string
	for _, w := range words {
		if houseNum == "" && isNumeric(w) {
			houseNum = w
			continue
		}
		if stem == "" && !isNumeric(w) {
			stem = w
			if len(stem) > 4 {
				stem = stem[:4]
			}
		}
	}

	initial := ""
	if last != "" {
		initial = last[:1]
	}
	return strings.Join([]string{houseNum, stem, zip, initial}, "|")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
