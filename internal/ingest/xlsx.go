package ingest

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/parcelgrid/enrich-cli/internal/registry"
)

// FromXLSX loads leads from the first sheet of an XLSX workbook. The first
// row is the header.
func FromXLSX(path string) ([]registry.Lead, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open xlsx %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("ingest: %s has no sheets", path)
	}
	sheet := f.Sheets[0]

	var cm columnMap
	var leads []registry.Lead
	var skipped int
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}

		if i == 0 {
			cm, err = mapHeader(cells)
			if err != nil {
				return nil, err
			}
			continue
		}

		lead, ok := cm.leadFromRow(cells, i-1)
		if !ok {
			skipped++
			continue
		}
		leads = append(leads, lead)
	}
	if cm == nil {
		return nil, eris.Errorf("ingest: %s first sheet is empty", path)
	}

	logSkipped(path, skipped)
	return leads, nil
}
