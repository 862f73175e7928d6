package store

import (
	"context"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	// Unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_GetMiss(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), "paris")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false on empty table")
	}
}

// TestStore_Upsert_Idempotent verifies that two writes for the same key leave one
// row holding the second write's data and timestamp.
func TestStore_Upsert_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, CacheEntry{City: "paris", Data: `{"temperature":10}`, Timestamp: 1000}); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}
	if err := s.Upsert(ctx, CacheEntry{City: "paris", Data: `{"temperature":12}`, Timestamp: 2000}); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1", len(all))
	}
	if all[0].Data != `{"temperature":12}` || all[0].Timestamp != 2000 {
		t.Errorf("row = %+v, want second write", all[0])
	}

	got, ok, err := s.Get(ctx, "paris")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if got.Timestamp != 2000 {
		t.Errorf("Get().Timestamp = %d, want 2000", got.Timestamp)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Upsert(ctx, CacheEntry{City: "paris", Data: "{}", Timestamp: 1})
	_ = s.Upsert(ctx, CacheEntry{City: "rome", Data: "{}", Timestamp: 1})

	if err := s.Delete(ctx, "paris"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete() of missing row error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "paris"); ok {
		t.Error("paris should be deleted")
	}
	if _, ok, _ := s.Get(ctx, "rome"); !ok {
		t.Error("rome should be untouched")
	}
}

func TestStore_DeleteWrittenAtOrBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for city, ts := range map[string]int64{"a": 100, "b": 200, "c": 201, "d": 300} {
		if err := s.Upsert(ctx, CacheEntry{City: city, Data: "{}", Timestamp: ts}); err != nil {
			t.Fatalf("Upsert(%s) error = %v", city, err)
		}
	}

	n, err := s.DeleteWrittenAtOrBefore(ctx, 200)
	if err != nil {
		t.Fatalf("DeleteWrittenAtOrBefore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	all, _ := s.All(ctx)
	if len(all) != 2 {
		t.Fatalf("remaining rows = %d, want 2", len(all))
	}
	for _, e := range all {
		if e.Timestamp <= 200 {
			t.Errorf("row %+v should have been deleted", e)
		}
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("Open() error = %v, want unsupported driver", err)
	}
}

func TestOpen_SQLite(t *testing.T) {
	s, err := Open(DriverSQLite, "file:open_sqlite?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if err := s.Upsert(context.Background(), CacheEntry{City: "x", Data: "{}", Timestamp: 1}); err != nil {
		t.Errorf("Upsert() after Open error = %v", err)
	}
}
