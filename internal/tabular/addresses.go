package tabular

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/municipality-check/internal/model"
)

// columns locates the address fields in a row.
type columns struct {
	address, country, lat, lon int
}

// positional is used when the file has no header: address[,country].
var positional = columns{address: 0, country: 1, lat: -1, lon: -1}

// headerColumns recognises a header row by an "address" column.
func headerColumns(row []string) (columns, bool) {
	cols := columns{address: -1, country: -1, lat: -1, lon: -1}
	for i, name := range row {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "address", "input_address":
			cols.address = i
		case "country":
			cols.country = i
		case "lat", "latitude":
			cols.lat = i
		case "lon", "lng", "longitude":
			cols.lon = i
		}
	}
	return cols, cols.address >= 0
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func floatCell(row []string, i int, line int, name string) (*float64, error) {
	raw := cell(row, i)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, eris.Errorf("tabular: line %d: invalid %s %q", line, name, raw)
	}
	return &v, nil
}

// ParseAddresses turns rows into check requests. A first row with an "address"
// column is treated as a header naming address, country, lat and lon; otherwise
// rows are address[,country]. Blank rows are skipped.
func ParseAddresses(rows [][]string) ([]model.CheckRequest, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	cols, start := positional, 0
	if hc, ok := headerColumns(rows[0]); ok {
		cols, start = hc, 1
	}

	var out []model.CheckRequest
	for i := start; i < len(rows); i++ {
		row := rows[i]
		addr := cell(row, cols.address)
		if addr == "" {
			continue
		}
		req := model.CheckRequest{Address: addr, Country: model.StringOrNil(cell(row, cols.country))}

		var err error
		if req.Lat, err = floatCell(row, cols.lat, i+1, "lat"); err != nil {
			return nil, err
		}
		if req.Lon, err = floatCell(row, cols.lon, i+1, "lon"); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// LoadAddresses reads a .csv or .xlsx address list.
func LoadAddresses(ctx context.Context, path string) ([]model.CheckRequest, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = ReadXLSX(path)
	case ".csv", ".txt", "":
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, eris.Wrapf(openErr, "tabular: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		rows, err = ReadCSV(ctx, f, CSVOptions{TrimSpace: true, LazyQuotes: true})
	default:
		return nil, eris.Errorf("tabular: unsupported file type %q (use .csv or .xlsx)", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	return ParseAddresses(rows)
}
