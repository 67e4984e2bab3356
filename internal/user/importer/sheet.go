package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Cell is one raw spreadsheet value. Numeric cells also keep their text.
type Cell struct {
	Text    string
	Number  float64
	Numeric bool
}

func (c Cell) blank() bool { return !c.Numeric && strings.TrimSpace(c.Text) == "" }

// Row is a data row; Line is its 1-based row number in the sheet.
type Row struct {
	Line  int
	Cells []Cell
}

// Cell returns the cell at column i, or an empty cell for short rows.
func (r Row) Cell(i int) Cell {
	if i < 0 || i >= len(r.Cells) {
		return Cell{}
	}
	return r.Cells[i]
}

// Batch is a parsed upload: the header row plus non-blank data rows.
type Batch struct {
	Headers []string
	Rows    []Row
}

var zipMagic = []byte("PK\x03\x04")

const (
	// xlsxExpansion bounds how much larger than the upload a workbook may
	// grow when unzipped.
	xlsxExpansion = 20

	// sheetXMLInMemory is the largest worksheet excelize keeps in memory;
	// bigger ones are spooled to a temp file.
	sheetXMLInMemory = 16 << 20

	defaultUnzipLimit = (10 << 20) * xlsxExpansion
)

// UnzipLimit is the decompressed size allowed for a workbook uploaded
// under a request cap of uploadMax bytes.
func UnzipLimit(uploadMax int64) int64 {
	if uploadMax <= 0 {
		return defaultUnzipLimit
	}
	return uploadMax * xlsxExpansion
}

// ReadSheet parses the first worksheet of an xlsx workbook, or a CSV file.
// The format is detected from the content, falling back to the extension.
// unzipLimit caps the decompressed workbook size; zero uses the default.
func ReadSheet(r io.Reader, filename string, unzipLimit int64) (*Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if bytes.HasPrefix(data, zipMagic) || ext == ".xlsx" || ext == ".xlsm" {
		if unzipLimit <= 0 {
			unzipLimit = defaultUnzipLimit
		}
		return readXLSX(data, unzipLimit)
	}
	return readCSV(data)
}

func readXLSX(data []byte, unzipLimit int64) (*Batch, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data), excelize.Options{
		UnzipSizeLimit:    unzipLimit,
		UnzipXMLSizeLimit: min(unzipLimit, sheetXMLInMemory),
	})
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Batch{}, nil
	}
	sheet := sheets[0]
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return &Batch{}, nil
	}

	b := &Batch{Headers: rows[0]}
	for i, raw := range rows[1:] {
		line := i + 2
		row := Row{Line: line, Cells: make([]Cell, len(raw))}
		for j, v := range raw {
			cell := Cell{Text: v}
			axis, err := excelize.CoordinatesToCellName(j+1, line)
			if err != nil {
				return nil, err
			}
			typ, err := f.GetCellType(sheet, axis)
			if err != nil {
				return nil, err
			}
			if typ == excelize.CellTypeUnset || typ == excelize.CellTypeNumber {
				if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					cell.Number, cell.Numeric = n, true
				}
			}
			row.Cells[j] = cell
		}
		if !blankRow(row) {
			b.Rows = append(b.Rows, row)
		}
	}
	return b, nil
}

func readCSV(data []byte) (*Batch, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return &Batch{}, nil
	}

	b := &Batch{Headers: records[0]}
	for i, rec := range records[1:] {
		row := Row{Line: i + 2, Cells: make([]Cell, len(rec))}
		for j, v := range rec {
			cell := Cell{Text: v}
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				cell.Number, cell.Numeric = n, true
			}
			row.Cells[j] = cell
		}
		if !blankRow(row) {
			b.Rows = append(b.Rows, row)
		}
	}
	return b, nil
}

func blankRow(r Row) bool {
	for _, c := range r.Cells {
		if !c.blank() {
			return false
		}
	}
	return true
}
