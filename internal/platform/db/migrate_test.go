package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ehr/billing/migrations"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_billing.sql":  {Data: []byte("CREATE TABLE bill (id UUID PRIMARY KEY);")},
		"002_payments.sql": {Data: []byte("CREATE TABLE payment (id UUID PRIMARY KEY);")},
	}

	migs, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[0].Name != "001_billing.sql" {
		t.Errorf("unexpected first migration %+v", migs[0])
	}
	if migs[0].SQL != "CREATE TABLE bill (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
	if migs[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migs[1].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	files := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migs, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	for i, v := range want {
		if migs[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migs[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_first.sql":    {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("docs")},
		"seed.sql":         {Data: []byte("SELECT 0;")},
		"abc_noprefix.sql": {Data: []byte("SELECT 0;")},
		"sub/002_x.sql":    {Data: []byte("SELECT 2;")},
	}

	migs, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 1 || migs[0].Version != 1 {
		t.Fatalf("expected only 001_first.sql, got %+v", migs)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := LoadMigrations(files); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := LoadMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 || migs[0].Name != "001_billing.sql" {
		t.Fatalf("expected embedded 001_billing.sql, got %+v", migs)
	}
	for _, table := range []string{"insurance_enrollment", "bill_item", "payment", "uq_bill_item_consult"} {
		if !strings.Contains(migs[0].SQL, table) {
			t.Errorf("expected schema to define %s", table)
		}
	}
}

func TestPendingAndStatuses(t *testing.T) {
	all := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := map[int]time.Time{1: at}

	p := pending(all, done)
	if len(p) != 1 || p[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", p)
	}

	st := statuses(all, done)
	if !st[0].Applied || st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("expected version 1 applied at %v, got %+v", at, st[0])
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Errorf("expected version 2 pending, got %+v", st[1])
	}
}
