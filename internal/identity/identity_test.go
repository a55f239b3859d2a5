package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()

	id := model.Identity{
		Street:    "123 Main Street",
		City:      "Springfield",
		State:     "IL",
		Zip:       "62704",
		FirstName: "John",
		LastName:  "Smith",
	}

	a := Resolve(id)
	b := Resolve(id)
	assert.Equal(t, a, b)
	assert.Len(t, a.IdemKey, 64)
	assert.NotEmpty(t, a.Primary)
}

func TestResolveSameIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b model.Identity
	}{
		{
			name: "case and whitespace",
			a:    model.Identity{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704"},
			b:    model.Identity{Street: "  123  MAIN  st ", City: "SPRINGFIELD", State: "il", Zip: "62704"},
		},
		{
			name: "street suffix spelling",
			a:    model.Identity{Street: "123 Main Street", City: "Springfield", State: "IL", Zip: "62704"},
			b:    model.Identity{Street: "123 Main ST", City: "Springfield", State: "IL", Zip: "62704"},
		},
		{
			name: "avenue and directional",
			a:    model.Identity{Street: "450 North Oak Avenue", City: "Austin", State: "TX", Zip: "78701"},
			b:    model.Identity{Street: "450 N OAK AVE", City: "Austin", State: "TX", Zip: "78701"},
		},
		{
			name: "zip plus four",
			a:    model.Identity{Street: "9 Elm Rd", City: "Mesa", State: "AZ", Zip: "85201"},
			b:    model.Identity{Street: "9 Elm Road", City: "Mesa", State: "AZ", Zip: "85201-4420"},
		},
		{
			name: "punctuation",
			a:    model.Identity{Street: "77 O'Hare Dr.", City: "Chicago", State: "IL", Zip: "60601", LastName: "O'Brien"},
			b:    model.Identity{Street: "77 O Hare Drive", City: "Chicago", State: "IL", Zip: "60601", LastName: "O’Brien"},
		},
		{
			name: "diacritics folded",
			a:    model.Identity{Street: "12 Peña Blvd", City: "Denver", State: "CO", Zip: "80249", FirstName: "José"},
			b:    model.Identity{Street: "12 Pena Boulevard", City: "Denver", State: "CO", Zip: "80249", FirstName: "Jose"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sa := Resolve(tt.a)
			sb := Resolve(tt.b)
			assert.Equal(t, sa.Primary, sb.Primary)
			assert.Equal(t, sa.IdemKey, sb.IdemKey)
		})
	}
}

func TestResolveDistinctIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b model.Identity
	}{
		{
			name: "different house number",
			a:    model.Identity{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704"},
			b:    model.Identity{Street: "125 Main St", City: "Springfield", State: "IL", Zip: "62704"},
		},
		{
			name: "different zip",
			a:    model.Identity{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704"},
			b:    model.Identity{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62705"},
		},
		{
			name: "different owner",
			a:    model.Identity{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704", LastName: "Smith"},
			b:    model.Identity{Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704", LastName: "Jones"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, Key(tt.a), Key(tt.b))
		})
	}
}

func TestFuzzySignature(t *testing.T) {
	t.Parallel()

	a := Resolve(model.Identity{Street: "123 Maplewood Dr", City: "Reno", State: "NV", Zip: "89501", LastName: "Smith"})
	b := Resolve(model.Identity{Street: "123 Maple Drive", City: "Reno", State: "NV", Zip: "89501", LastName: "Smythe"})

	// Distinct primaries, but the fuzzy stems agree on house number, street
	// prefix, zip, and last-name initial.
	require.NotEqual(t, a.Primary, b.Primary)
	assert.Equal(t, a.Fuzzy, b.Fuzzy)
	assert.Equal(t, "123|MAPL|89501|S", a.Fuzzy)
}

func TestNormalizeZip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "62704", normalizeZip("62704-1234"))
	assert.Equal(t, "62704", normalizeZip(" 62704 "))
	assert.Equal(t, "628", normalizeZip("628"))
	assert.Equal(t, "", normalizeZip("n/a"))
}

func TestResolveEmptyFields(t *testing.T) {
	t.Parallel()

	sig := Resolve(model.Identity{})
	assert.Len(t, sig.IdemKey, 64)
	assert.Equal(t, "|||||", sig.Primary)
}
