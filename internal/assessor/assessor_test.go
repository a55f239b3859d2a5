package assessor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelgrid/enrich-cli/internal/model"
	"github.com/parcelgrid/enrich-cli/internal/provider"
	"github.com/parcelgrid/enrich-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// writeRollShapefile writes a small county-roll shapefile with the field
// layout Travis County publishes.
func writeRollShapefile(t *testing.T, dir string, rows [][]string) string {
	t.Helper()
	path := filepath.Join(dir, "roll.shp")

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	fields := []shp.Field{
		shp.StringField("PROP_ID", 25),
		shp.StringField("SITUS_ADDR", 64),
		shp.StringField("SITUS_CITY", 32),
		shp.StringField("SITUS_ST", 2),
		shp.StringField("SITUS_ZIP", 10),
		shp.StringField("OWNER_NAME", 64),
		shp.StringField("MAIL_ADDR", 64),
	}
	require.NoError(t, w.SetFields(fields))

	for i, row := range rows {
		base := float64(i)
		pts := []shp.Point{
			{X: -97.0 - base, Y: 30.0},
			{X: -97.0 - base, Y: 30.1},
			{X: -96.9 - base, Y: 30.1},
			{X: -96.9 - base, Y: 30.0},
			{X: -97.0 - base, Y: 30.0},
		}
		w.Write(&shp.Polygon{
			Box:       shp.BBoxFromPoints(pts),
			NumParts:  1,
			NumPoints: int32(len(pts)),
			Parts:     []int32{0},
			Points:    pts,
		})
		for col, val := range row {
			require.NoError(t, w.WriteAttribute(i, col, val))
		}
	}
	w.Close()
	return path
}

func TestParseShapefile(t *testing.T) {
	path := writeRollShapefile(t, t.TempDir(), [][]string{
		{"R101", "901 CONGRESS AVE", "AUSTIN", "TX", "78701", "TRAVIS HOLDINGS LLC", "PO BOX 12"},
		{"R102", "77 RAINEY STREET", "AUSTIN", "TX", "78701-4321", "DELGADO MARIA", ""},
		{"", "1 NOWHERE RD", "AUSTIN", "TX", "78701", "GHOST OWNER", ""}, // no APN: skipped
	})

	parcels, err := ParseShapefile(path, "travis")
	require.NoError(t, err)
	require.Len(t, parcels, 2)

	assert.Equal(t, "R101", parcels[0].APN)
	assert.Equal(t, "travis", parcels[0].County)
	assert.Equal(t, "TRAVIS HOLDINGS LLC", parcels[0].OwnerName)
	assert.NotEmpty(t, parcels[0].SitusKey)
	assert.NotEmpty(t, parcels[0].GeomWKB)

	// Suffix and ZIP+4 normalization flow into the situs key.
	assert.Contains(t, parcels[1].SitusKey, "RAINEY ST|")
	assert.Contains(t, parcels[1].SitusKey, "|78701")
}

func TestLoadAndAdapterHit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	path := writeRollShapefile(t, t.TempDir(), [][]string{
		{"R101", "901 CONGRESS AVE", "AUSTIN", "TX", "78701", "TRAVIS HOLDINGS LLC", "PO BOX 12, AUSTIN, TX 78711"},
	})

	n, err := Load(ctx, st, LoadOptions{County: "travis", Paths: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a := NewAdapter(st)
	assert.Equal(t, "assessor", a.Name())
	assert.Equal(t, int64(0), a.CostCents())

	// Spelled-out suffix and ZIP+4 still hit the same parcel.
	contact, err := a.Call(ctx, model.Identity{
		Street: "901 Congress Avenue",
		City:   "Austin",
		State:  "TX",
		Zip:    "78701-4321",
	}, provider.Options{})
	require.NoError(t, err)
	assert.Equal(t, "TRAVIS HOLDINGS LLC", contact.OwnerName)
	assert.Equal(t, "PO BOX 12, AUSTIN, TX 78711", contact.MailingAddress)
}

func TestLoadIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	path := writeRollShapefile(t, t.TempDir(), [][]string{
		{"R101", "901 CONGRESS AVE", "AUSTIN", "TX", "78701", "TRAVIS HOLDINGS LLC", ""},
	})

	_, err := Load(ctx, st, LoadOptions{County: "travis", Paths: []string{path}})
	require.NoError(t, err)
	_, err = Load(ctx, st, LoadOptions{County: "travis", Paths: []string{path}})
	require.NoError(t, err)

	p, err := st.FindParcelBySitus(ctx, "901 CONGRESS AVE|AUSTIN|TX|78701")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "R101", p.APN)
}

func TestAdapterMissIsScrapeError(t *testing.T) {
	a := NewAdapter(newTestStore(t))

	_, err := a.Call(context.Background(), model.Identity{Street: "1 MAIN ST", Zip: "78701"}, provider.Options{})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindScrape, model.KindOf(err))
}

func TestAdapterRejectsMissingAddress(t *testing.T) {
	a := NewAdapter(newTestStore(t))

	assert.False(t, a.CanServe(model.Identity{FirstName: "Maria"}))

	_, err := a.Call(context.Background(), model.Identity{FirstName: "Maria"}, provider.Options{})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindValidation, model.KindOf(err))
}

func TestEncodeWKBPoint(t *testing.T) {
	wkb, err := encodeWKB(&shp.Point{X: -97.74, Y: 30.27})
	require.NoError(t, err)
	assert.NotEmpty(t, wkb)
}

func TestEncodeWKBUnsupportedShape(t *testing.T) {
	wkb, err := encodeWKB(&shp.PolyLine{})
	require.NoError(t, err)
	assert.Nil(t, wkb)

	wkb, err = encodeWKB(nil)
	require.NoError(t, err)
	assert.Nil(t, wkb)
}
