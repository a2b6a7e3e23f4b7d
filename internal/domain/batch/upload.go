package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFile is returned for uploads that are neither xlsx nor csv.
var ErrUnsupportedFile = errors.New("unsupported file type, expected .xlsx or .csv")

// ParseUpload reads codes from the first column of a spreadsheet or CSV
// file. The first row is a header and is skipped, as are blank cells.
func ParseUpload(filename string, r io.Reader) ([]string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return parseXLSX(r)
	case ".csv":
		return parseCSV(r)
	}
	return nil, ErrUnsupportedFile
}

func parseXLSX(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	var codes []string
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		if c := strings.TrimSpace(row[0]); c != "" {
			codes = append(codes, c)
		}
	}
	return codes, nil
}

func parseCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var codes []string
	for i := 0; ; i++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if i == 0 || len(rec) == 0 {
			continue
		}
		if c := strings.TrimSpace(rec[0]); c != "" {
			codes = append(codes, c)
		}
	}
	return codes, nil
}
