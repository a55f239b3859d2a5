package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/parcelgrid/enrich-cli/internal/registry"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeReader strips a UTF-8 BOM and transparently decodes Windows-1252
// exports, which county lists and CRM dumps frequently are.
func decodeReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)

	if peek, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(peek, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	peek, _ := br.Peek(4096)
	if utf8.Valid(peek) {
		return br
	}
	return transform.NewReader(br, charmap.Windows1252.NewDecoder())
}

// FromCSV streams leads from CSV data. The first row is the header.
func FromCSV(ctx context.Context, r io.Reader, source string) ([]registry.Lead, error) {
	reader := csv.NewReader(decodeReader(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read csv header from %s", source)
	}
	cm, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	var leads []registry.Lead
	var skipped int
	for seq := 0; ; seq++ {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "ingest: csv read cancelled")
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read csv row from %s", source)
		}

		lead, ok := cm.leadFromRow(row, seq)
		if !ok {
			skipped++
			continue
		}
		leads = append(leads, lead)
	}

	logSkipped(source, skipped)
	return leads, nil
}

// FromCSVFile loads leads from a local CSV file.
func FromCSVFile(ctx context.Context, path string) ([]registry.Lead, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close()
	return FromCSV(ctx, f, path)
}
