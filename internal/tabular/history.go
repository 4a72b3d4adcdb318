package tabular

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/municipality-check/internal/model"
)

// HistoryHeader is the column order of exported history rows.
var HistoryHeader = []string{
	"id", "created_at", "input_address", "normalized_address", "lat", "lon",
	"municipality", "province", "nsc_region", "mpr_region", "custom_region",
	"confidence", "ok", "message",
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func num(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

// HistoryRecord renders one audit row in HistoryHeader order.
func HistoryRecord(l model.CheckLog) []string {
	return []string{
		strconv.FormatInt(l.ID, 10),
		l.CreatedAt.UTC().Format(time.RFC3339),
		l.InputAddress,
		str(l.NormalizedAddress),
		num(l.Lat),
		num(l.Lon),
		str(l.Municipality),
		str(l.Province),
		str(l.NSCRegion),
		str(l.MPRRegion),
		str(l.CustomRegion),
		strconv.FormatFloat(l.Confidence, 'f', -1, 64),
		strconv.FormatBool(l.OK),
		str(l.Message),
	}
}

// WriteHistoryCSV writes a header and one line per row.
func WriteHistoryCSV(w io.Writer, rows []model.CheckLog) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(HistoryHeader); err != nil {
		return eris.Wrap(err, "csv: write header")
	}
	for _, l := range rows {
		if err := cw.Write(HistoryRecord(l)); err != nil {
			return eris.Wrapf(err, "csv: write row %d", l.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "csv: flush")
}

// WriteHistoryXLSX saves rows to a workbook at path with a single "history" sheet.
func WriteHistoryXLSX(path string, rows []model.CheckLog) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("history")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, name := range HistoryHeader {
		header.AddCell().SetString(name)
	}

	for _, l := range rows {
		row := sheet.AddRow()
		row.AddCell().SetInt64(l.ID)
		row.AddCell().SetDateTime(l.CreatedAt.UTC())
		for _, s := range []string{l.InputAddress, str(l.NormalizedAddress)} {
			row.AddCell().SetString(s)
		}
		for _, f := range []*float64{l.Lat, l.Lon} {
			c := row.AddCell()
			if f != nil {
				c.SetFloat(*f)
			}
		}
		for _, s := range []*string{l.Municipality, l.Province, l.NSCRegion, l.MPRRegion, l.CustomRegion} {
			row.AddCell().SetString(str(s))
		}
		row.AddCell().SetFloat(l.Confidence)
		row.AddCell().SetBool(l.OK)
		row.AddCell().SetString(str(l.Message))
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}
