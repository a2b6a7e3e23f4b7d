package icd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
)

var errQueryRecorded = errors.New("query recorded")

// recordingDB keeps the last statement and fails it.
type recordingDB struct {
	sql string
}

func (r *recordingDB) Query(_ context.Context, sql string, _ ...interface{}) (pgx.Rows, error) {
	r.sql = sql
	return nil, errQueryRecorded
}

func (r *recordingDB) QueryRow(_ context.Context, sql string, _ ...interface{}) pgx.Row {
	r.sql = sql
	return nil
}

func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func TestCharlsonRepoPG_MatchOrdersTiesByCode(t *testing.T) {
	db := &recordingDB{}
	repo := &charlsonRepoPG{db: db}

	if _, err := repo.Match(context.Background(), ICD10, []string{"E1010"}); !errors.Is(err, errQueryRecorded) {
		t.Fatalf("expected recorded query error, got %v", err)
	}
	sql := normalizeSQL(db.sql)
	if !strings.Contains(sql, "DISTINCT ON (q.code)") {
		t.Errorf("expected one row per input code, got %q", sql)
	}
	if !strings.HasSuffix(sql, "ORDER BY q.code, length(replace(c.code, '.', '')) DESC, c.code") {
		t.Errorf("expected longest prefix then code ordering, got %q", sql)
	}
}

func TestHCCRepoPG_ListByCodesStorageOrder(t *testing.T) {
	db := &recordingDB{}
	repo := &hccRepoPG{db: db}

	if _, err := repo.ListByCodes(context.Background(), []string{"E1010"}); !errors.Is(err, errQueryRecorded) {
		t.Fatalf("expected recorded query error, got %v", err)
	}
	if sql := normalizeSQL(db.sql); !strings.HasSuffix(sql, "ORDER BY icd10_code, id") {
		t.Errorf("expected rows in insertion order per code, got %q", sql)
	}
}

func TestHCCRepoPG_ListByCodesEmpty(t *testing.T) {
	db := &recordingDB{}
	repo := &hccRepoPG{db: db}

	rows, err := repo.ListByCodes(context.Background(), nil)
	if err != nil || rows != nil {
		t.Errorf("expected no rows and no error, got %v, %v", rows, err)
	}
	if db.sql != "" {
		t.Errorf("expected no query for empty input, got %q", db.sql)
	}
}
