package render

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	iface "DendroDetServer/interface"
)

const (
	TableXLSX = "xlsx"
	TableCSV  = "csv"

	EmptyMessage = "no objects detected"
	sheetName    = "detections"
)

var Columns = []string{
	"id", "class_id", "class_name", "confidence",
	"bbox.x1", "bbox.y1", "bbox.x2", "bbox.y2",
	"center.x", "center.y", "width", "height", "area",
	"species", "species_confidence",
}

// Rows flattens detections into one string row per detection, with a
// header first. Absent values become empty cells. An empty result yields
// a single "message" column with one row.
func Rows(result iface.AnalysisResult) [][]string {
	if len(result.Detections) == 0 {
		return [][]string{{"message"}, {EmptyMessage}}
	}
	rows := make([][]string, 0, len(result.Detections)+1)
	rows = append(rows, Columns)
	for _, d := range result.Detections {
		row := []string{
			strconv.Itoa(d.ID),
			strconv.Itoa(d.ClassID),
			d.ClassName,
			num(d.Confidence),
		}
		if d.BBox != nil {
			row = append(row, num(d.BBox.X1), num(d.BBox.Y1), num(d.BBox.X2), num(d.BBox.Y2),
				num(d.Center.X), num(d.Center.Y), num(d.Width), num(d.Height), num(d.Area))
		} else {
			row = append(row, "", "", "", "", "", "", "", "", "")
		}
		species, speciesConf := "", ""
		if d.Species != nil {
			species = *d.Species
		}
		if d.SpeciesConfidence != nil {
			speciesConf = num(*d.SpeciesConfidence)
		}
		rows = append(rows, append(row, species, speciesConf))
	}
	return rows
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// TableContentType returns the MIME type for a table format.
func TableContentType(format string) string {
	if format == TableCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// ToTable renders the flattened detections as xlsx or csv.
func ToTable(result iface.AnalysisResult, format string) ([]byte, error) {
	rows := Rows(result)
	switch format {
	case TableXLSX, "":
		return toXLSX(rows)
	case TableCSV:
		return toCSV(rows)
	default:
		return nil, fmt.Errorf("unsupported table format: %s", format)
	}
}

func toCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func toXLSX(rows [][]string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = cellValue(rows[0][j], i, v)
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// textColumns are written verbatim even when they look like numbers.
var textColumns = map[string]bool{"class_name": true, "species": true, "message": true}

// cellValue keeps numeric columns numeric in the sheet. The header row and
// text columns stay strings.
func cellValue(column string, row int, v string) any {
	if row == 0 || v == "" || textColumns[column] {
		return v
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
