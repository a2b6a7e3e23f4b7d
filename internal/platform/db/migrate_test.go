package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func newTestMigrator(t *testing.T, files fstest.MapFS) *Migrator {
	t.Helper()
	m, err := NewMigrator(nil, files, "")
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	return m
}

func TestLoad(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_reference.sql":  {Data: []byte("CREATE TABLE icd10_codes (code TEXT PRIMARY KEY);")},
		"002_batch_jobs.sql": {Data: []byte("CREATE TABLE batch_jobs (id UUID PRIMARY KEY);")},
	})
	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_reference.sql" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE icd10_codes (code TEXT PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoad_SortOrder(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	})
	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	expected := []int{1, 2, 5, 10}
	if len(migrations) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migrations))
	}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoad_SkipsInvalidNames(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	})
	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoad_DuplicateVersion(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	})
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoad_Empty(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{})
	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_reference.sql"},
		{Version: 2, Name: "002_batch_jobs.sql"},
		{Version: 3, Name: "003_indexes.sql"},
	}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	pending := Pending(migrations, applied)
	if len(pending) != 2 || pending[0].Version != 2 || pending[1].Version != 3 {
		t.Errorf("unexpected pending %+v", pending)
	}

	statuses := BuildStatus(migrations, applied)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}
}

func TestNewMigrator_Schema(t *testing.T) {
	m, err := NewMigrator(nil, fstest.MapFS{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.schema != "public" {
		t.Errorf("expected default schema public, got %s", m.schema)
	}
	if m.ident() != `"public"` {
		t.Errorf("unexpected identifier %s", m.ident())
	}
	if _, err := NewMigrator(nil, fstest.MapFS{}, "bad;schema"); err == nil {
		t.Error("expected error for invalid schema")
	}
}
