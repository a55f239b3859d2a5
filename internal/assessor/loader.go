package assessor

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelgrid/enrich-cli/internal/store"
)

const defaultBatchSize = 5000

// LoadOptions configures a parcel roll load.
type LoadOptions struct {
	County    string   // County label stamped on every row
	Paths     []string // Shapefile paths (.shp)
	BatchSize int      // Upsert batch size (default 5,000)
}

// Load parses each shapefile and upserts its parcels in batches. Returns
// the number of rows written.
func Load(ctx context.Context, st store.Store, opts LoadOptions) (int64, error) {
	if len(opts.Paths) == 0 {
		return 0, eris.New("assessor: no shapefiles given")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	log := zap.L().With(
		zap.String("component", "assessor.loader"),
		zap.String("county", opts.County),
	)

	var total int64
	for _, path := range opts.Paths {
		parcels, err := ParseShapefile(path, opts.County)
		if err != nil {
			return total, err
		}

		for start := 0; start < len(parcels); start += opts.BatchSize {
			end := start + opts.BatchSize
			if end > len(parcels) {
				end = len(parcels)
			}
			n, err := st.UpsertParcels(ctx, parcels[start:end])
			if err != nil {
				return total, eris.Wrapf(err, "assessor: upsert parcels from %s", path)
			}
			total += n
		}

		log.Info("parcel shapefile loaded",
			zap.String("path", path),
			zap.Int("parcels", len(parcels)),
		)
	}

	return total, nil
}
