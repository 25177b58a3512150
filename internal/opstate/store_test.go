package opstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/insight"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "opstate_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set("ns", "key", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}

	val, err := s.Get("ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Delete("ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if val, _ := s.Get("ns", "key"); val != "" {
		t.Errorf("Get() = %q after delete, want empty", val)
	}
	if err := s.Delete("ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)

	s.Set("ns", "a", "1")
	s.Set("ns", "b", "2")
	s.Set("other", "c", "3")

	result, err := s.List("ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result) != 2 || result["a"] != "1" || result["b"] != "2" {
		t.Errorf("List() = %v, want {a:1, b:2}", result)
	}

	empty, err := s.List("empty")
	if err != nil {
		t.Fatalf("List(empty) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %v, want empty non-nil map", empty)
	}
}

func TestJSON(t *testing.T) {
	s := testStore(t)

	var v struct{ N int }
	ok, err := s.GetJSON("ns", "missing", &v)
	if ok || err != nil {
		t.Fatalf("GetJSON(missing) = %v, %v", ok, err)
	}

	if err := s.SetJSON("ns", "k", struct{ N int }{N: 7}); err != nil {
		t.Fatal(err)
	}
	ok, err = s.GetJSON("ns", "k", &v)
	if !ok || err != nil || v.N != 7 {
		t.Errorf("GetJSON = %v, %v, %+v", ok, err, v)
	}

	s.Set("ns", "bad", "{not json")
	if _, err := s.GetJSON("ns", "bad", &v); err == nil {
		t.Error("GetJSON should fail on corrupt value")
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "db.sqlite")
	if _, err := NewStore(dbPath); err == nil {
		t.Error("NewStore() should fail when parent directory doesn't exist")
	}
}

func TestInsights_ResultPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")
	synced := time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	want := insight.Result{
		Insights: "Temperatures are steady.",
		Alerts:   "None.",
		Summary:  "All quiet.",
		Raw:      "1. Insights\nTemperatures are steady.",
		SyncedAt: synced,
		Status:   insight.StatusOK,
	}
	if err := NewInsights(s1).SaveResult(want); err != nil {
		t.Fatalf("SaveResult() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	got, err := NewInsights(s2).LoadResult()
	if err != nil {
		t.Fatalf("LoadResult() error: %v", err)
	}
	if got.Insights != want.Insights || got.Alerts != want.Alerts || got.Summary != want.Summary ||
		got.Raw != want.Raw || got.Status != want.Status || !got.SyncedAt.Equal(synced) {
		t.Errorf("LoadResult() = %+v, want %+v", got, want)
	}
}

func TestInsights_LoadResultEmpty(t *testing.T) {
	got, err := NewInsights(testStore(t)).LoadResult()
	if err != nil {
		t.Fatalf("LoadResult() error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("LoadResult() = %+v, want zero", got)
	}
}

func TestInsights_Overrides(t *testing.T) {
	ins := NewInsights(testStore(t))

	if _, ok, err := ins.LoadOverrides(); ok || err != nil {
		t.Fatalf("LoadOverrides() on empty store = %v, %v", ok, err)
	}

	window := "6h"
	in := config.Overrides{Entities: []string{"sensor.a"}, Exclude: []string{}, History: &window}
	if err := ins.SaveOverrides(in); err != nil {
		t.Fatalf("SaveOverrides() error: %v", err)
	}

	got, ok, err := ins.LoadOverrides()
	if !ok || err != nil {
		t.Fatalf("LoadOverrides() = %v, %v", ok, err)
	}
	if len(got.Entities) != 1 || got.Exclude == nil || got.History == nil || *got.History != "6h" {
		t.Errorf("LoadOverrides() = %+v", got)
	}

	if err := ins.ClearOverrides(); err != nil {
		t.Fatalf("ClearOverrides() error: %v", err)
	}
	if _, ok, _ := ins.LoadOverrides(); ok {
		t.Error("overrides still present after ClearOverrides")
	}
}
