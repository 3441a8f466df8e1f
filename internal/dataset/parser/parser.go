// Package parser turns raw CSV and XLSX bytes into a detected schema and a
// streaming row iterator.
package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/plotline/plotline/internal/config"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	"github.com/xuri/excelize/v2"
)

// Result is the outcome of a full detection pass over a file.
type Result struct {
	Header     []string
	Columns    []mappingdomain.SourceColumn
	SampleRows [][]string
	RowCount   int64
}

// Rows streams data rows in source order, header excluded. Next returns
// io.EOF at the end.
type Rows interface {
	Next() ([]string, error)
	Close() error
}

// Detect reads the whole stream once: header, bounded sample, inferred
// column types, and the total data row count.
func Detect(r io.Reader, format datasetdomain.Format, cfg config.ParsingConfig) (*Result, error) {
	rows, err := Open(r, format)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	header, err := rows.Next()
	if errors.Is(err, io.EOF) {
		return nil, &datasetdomain.ParseError{Reason: "file has no header row"}
	}
	if err != nil {
		return nil, &datasetdomain.ParseError{Reason: err.Error()}
	}
	if len(header) > cfg.MaxColumns {
		return nil, &datasetdomain.ParseError{Reason: fmt.Sprintf("%d columns exceeds the limit of %d", len(header), cfg.MaxColumns)}
	}
	header = normalizeHeader(header)

	inference := newInference(len(header))
	result := &Result{Header: header}
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &datasetdomain.ParseError{Reason: err.Error()}
		}
		if result.RowCount < int64(cfg.SampleRows) {
			result.SampleRows = append(result.SampleRows, row)
		}
		if result.RowCount < int64(cfg.InferSample) {
			inference.observe(row)
		}
		result.RowCount++
	}

	types := inference.types()
	result.Columns = make([]mappingdomain.SourceColumn, len(header))
	for i, name := range header {
		result.Columns[i] = mappingdomain.SourceColumn{Name: name, InferredType: types[i]}
	}
	return result, nil
}

// Open returns a streaming iterator over the file, first row included.
func Open(r io.Reader, format datasetdomain.Format) (Rows, error) {
	switch format {
	case datasetdomain.FormatCSV:
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		cr.TrimLeadingSpace = true
		return &csvRows{reader: cr}, nil
	case datasetdomain.FormatXLSX:
		return openXLSX(r)
	default:
		return nil, datasetdomain.ErrUnsupportedFormat
	}
}

type csvRows struct {
	reader *csv.Reader
}

func (c *csvRows) Next() ([]string, error) { return c.reader.Read() }

func (c *csvRows) Close() error { return nil }

type xlsxRows struct {
	file *excelize.File
	rows *excelize.Rows
}

func openXLSX(r io.Reader) (*xlsxRows, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &datasetdomain.ParseError{Reason: err.Error()}
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, &datasetdomain.ParseError{Reason: "workbook has no sheets"}
	}
	// Only the first sheet is imported.
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, &datasetdomain.ParseError{Reason: err.Error()}
	}
	return &xlsxRows{file: f, rows: rows}, nil
}

func (x *xlsxRows) Next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return x.rows.Columns()
}

func (x *xlsxRows) Close() error {
	x.rows.Close()
	return x.file.Close()
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		out[i] = name
	}
	return out
}
