// Package tabular reads address lists from CSV and XLSX files and writes the check
// history back out in the same formats.
package tabular

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// utf8BOM prefixes CSV files saved by Excel.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions tunes ReadCSV. The zero value reads plain comma-separated rows.
type CSVOptions struct {
	Delimiter  rune
	Comment    rune
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV calls fn for each row of r, stopping at the first error fn returns.
// Rows may have differing field counts. A leading byte order mark is dropped.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions, fn func(row []string) error) error {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		br.Discard(len(utf8BOM)) //nolint:errcheck
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = opts.LazyQuotes
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		cr.Comment = opts.Comment
	}

	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "tabular: read csv")
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "tabular: read csv")
		}
		if opts.TrimSpace {
			for i := range rec {
				rec[i] = strings.TrimSpace(rec[i])
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadCSV returns every row of r.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([][]string, error) {
	var rows [][]string
	err := StreamCSV(ctx, r, opts, func(row []string) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadXLSX returns the trimmed cell text of every row on the workbook's first sheet.
func ReadXLSX(path string) ([][]string, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tabular: open %s", path)
	}
	if len(wb.Sheets) == 0 {
		return nil, eris.Errorf("tabular: %s has no sheets", path)
	}

	var rows [][]string
	for _, row := range wb.Sheets[0].Rows {
		if row == nil {
			continue
		}
		rec := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			rec = append(rec, strings.TrimSpace(cell.String()))
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
