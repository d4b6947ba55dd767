package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestCategorize(t *testing.T) {
	cases := map[string]Category{
		"demog.html":   CategoryTable,
		"ae_table.RTF": CategoryTable,
		"adsl.csv":     CategoryData,
		"adlb.xpt":     CategoryData,
		"km_plot.png":  CategoryPlot,
		"forest.pdf":   CategoryPlot,
		"analysis.R":   CategoryScript,
		"notes.txt":    CategoryOther,
		"no_extension": CategoryOther,
	}
	for name, want := range cases {
		if got := Categorize(name); got != want {
			t.Errorf("Categorize(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestRecordListGet(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "demog.csv"), []byte("SUBJID,AGE\n001,34\n"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "km.png"), []byte{0x89, 0x50}, 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	// A name that no longer exists on disk is skipped, not an error.
	arts, err := store.Record("s1", dir, []string{"demog.csv", "km.png", "gone.csv"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(arts))
	}

	listed, err := store.List("s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].Name != "demog.csv" || listed[1].Name != "km.png" {
		t.Fatalf("unexpected listing: %+v", listed)
	}
	if listed[0].Category != CategoryData || listed[1].Category != CategoryPlot {
		t.Fatalf("categories wrong: %+v", listed)
	}

	a, data, err := store.Get("s1", "demog.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Size != int64(len(data)) || string(data) != "SUBJID,AGE\n001,34\n" {
		t.Fatalf("unexpected content: %q (size %d)", data, a.Size)
	}
}

func TestRecordReplacesRegeneratedFile(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "table.csv")

	os.WriteFile(path, []byte("v1"), 0o644)
	if _, err := store.Record("s1", dir, []string{"table.csv"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	os.WriteFile(path, []byte("v2 longer"), 0o644)
	if _, err := store.Record("s1", dir, []string{"table.csv"}); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	listed, err := store.List("s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("duplicate rows after regeneration: %+v", listed)
	}
	if listed[0].Size != int64(len("v2 longer")) {
		t.Fatalf("metadata not refreshed: %+v", listed[0])
	}
}

func TestDeleteSession(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x"), 0o644)

	store.Record("s1", dir, []string{"a.csv"})
	store.Record("s2", dir, []string{"a.csv"})

	if err := store.DeleteSession("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if listed, _ := store.List("s1"); len(listed) != 0 {
		t.Fatalf("s1 artifacts survived delete: %+v", listed)
	}
	if listed, _ := store.List("s2"); len(listed) != 1 {
		t.Fatalf("s2 artifacts affected: %+v", listed)
	}
}
