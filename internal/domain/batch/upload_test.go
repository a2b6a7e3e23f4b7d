package batch

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func buildSpreadsheet(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write spreadsheet: %v", err)
	}
	return buf
}

func TestParseUpload_XLSX(t *testing.T) {
	buf := buildSpreadsheet(t, [][]interface{}{
		{"ICD Code", "Note"},
		{"E10.10", "first"},
		{"  428.0 "},
		{""},
		{"I50.X", "family"},
	})
	codes, err := ParseUpload("codes.XLSX", buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"E10.10", "428.0", "I50.X"}
	if !reflect.DeepEqual(codes, want) {
		t.Errorf("expected %v, got %v", want, codes)
	}
}

func TestParseUpload_XLSXHeaderOnly(t *testing.T) {
	buf := buildSpreadsheet(t, [][]interface{}{{"code"}})
	codes, err := ParseUpload("codes.xlsx", buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 0 {
		t.Errorf("expected no codes, got %v", codes)
	}
}

func TestParseUpload_CSV(t *testing.T) {
	in := "code,description\nE1010,diabetes\n\n  4019 ,hypertension\n,blank\nI509\n"
	codes, err := ParseUpload("upload.csv", strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"E1010", "4019", "I509"}
	if !reflect.DeepEqual(codes, want) {
		t.Errorf("expected %v, got %v", want, codes)
	}
}

func TestParseUpload_BadCSV(t *testing.T) {
	_, err := ParseUpload("upload.csv", strings.NewReader("code\n\"E10\n"))
	if err == nil {
		t.Error("expected error for unterminated quote")
	}
}

func TestParseUpload_CorruptSpreadsheet(t *testing.T) {
	_, err := ParseUpload("codes.xlsx", strings.NewReader("not a zip"))
	if err == nil {
		t.Error("expected error for corrupt spreadsheet")
	}
}

func TestParseUpload_Unsupported(t *testing.T) {
	_, err := ParseUpload("codes.pdf", strings.NewReader(""))
	if !errors.Is(err, ErrUnsupportedFile) {
		t.Errorf("expected ErrUnsupportedFile, got %v", err)
	}
}
