package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(filepath.Base(path)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func paths(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestDiff(t *testing.T) {
	current := []Entry{
		{Path: "/r/c.txt", ModTime: t0},
		{Path: "/r/a.txt", ModTime: t1},
		{Path: "/r/b.txt", ModTime: t0},
		{Path: "/r/new.txt", ModTime: t0},
	}
	known := map[string]time.Time{
		"/r/a.txt":    t0, // mod time increased
		"/r/b.txt":    t0, // unchanged
		"/r/c.txt":    t1, // mod time went backwards: not a change
		"/r/zz.txt":   t0, // gone
		"/r/gone.txt": t0, // gone
	}

	d := Diff(current, known, nil)

	if diff := cmp.Diff([]string{"/r/new.txt"}, paths(d.Added)); diff != "" {
		t.Errorf("Added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/r/a.txt"}, paths(d.Changed)); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/r/gone.txt", "/r/zz.txt"}, d.Removed); diff != "" {
		t.Errorf("Removed mismatch (-want +got):\n%s", diff)
	}
	if d.Len() != 4 || d.Empty() {
		t.Errorf("Len = %d, Empty = %v", d.Len(), d.Empty())
	}
}

func TestDiff_Skip(t *testing.T) {
	current := []Entry{
		{Path: "/r/broken.txt", ModTime: t0},
		{Path: "/r/fixed.txt", ModTime: t1},
	}
	skip := map[string]time.Time{
		"/r/broken.txt": t0,
		"/r/fixed.txt":  t0,
	}

	d := Diff(current, nil, skip)
	if diff := cmp.Diff([]string{"/r/fixed.txt"}, paths(d.Added)); diff != "" {
		t.Errorf("Added mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_Idempotent(t *testing.T) {
	loc := t.TempDir()
	touch(t, filepath.Join(loc, "sample1.txt"), t0)
	touch(t, filepath.Join(loc, "sample2.txt"), t0)

	s := New(nil)
	first, err := s.Scan(loc, nil, nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(first.Added) != 2 {
		t.Fatalf("first scan Added = %d, want 2", len(first.Added))
	}

	known := make(map[string]time.Time)
	for _, e := range first.Added {
		known[e.Path] = e.ModTime
	}

	second, err := s.Scan(loc, nil, known, nil)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if !second.Empty() {
		t.Errorf("second scan without changes not empty: %+v", second)
	}
}

func TestScan_ChangeAndRemove(t *testing.T) {
	loc := t.TempDir()
	a := filepath.Join(loc, "a.txt")
	b := filepath.Join(loc, "b.txt")
	touch(t, a, t0)
	touch(t, b, t0)

	known := map[string]time.Time{a: t0, b: t0}
	touch(t, a, t1)
	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}

	d, err := New(nil).Scan(loc, nil, known, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{a}, paths(d.Changed)); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{b}, d.Removed); diff != "" {
		t.Errorf("Removed mismatch (-want +got):\n%s", diff)
	}
}

func TestList_FiltersAndSorts(t *testing.T) {
	loc := t.TempDir()
	touch(t, filepath.Join(loc, "b.txt"), t0)
	touch(t, filepath.Join(loc, "a.txt"), t0)
	touch(t, filepath.Join(loc, "c.xml"), t0)
	touch(t, filepath.Join(loc, ".hidden.txt"), t0)
	touch(t, filepath.Join(loc, "a.txt~"), t0)
	touch(t, filepath.Join(loc, "upload.txt.part"), t0)
	touch(t, filepath.Join(loc, "skip.bak"), t0)

	entries, err := New([]string{"*.bak"}).List(loc, []string{"*.txt"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(loc, "a.txt"), filepath.Join(loc, "b.txt")}
	if diff := cmp.Diff(want, paths(entries)); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestList_DirectoryArtifact(t *testing.T) {
	loc := t.TempDir()
	app := filepath.Join(loc, "app")
	touch(t, filepath.Join(app, "index.html"), t0)
	touch(t, filepath.Join(app, "WEB-INF", "web.xml"), t1)
	for _, dir := range []string{app, filepath.Join(app, "WEB-INF")} {
		if err := os.Chtimes(dir, t0, t0); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := New(nil).List(loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !entries[0].IsDir {
		t.Error("IsDir = false for exploded directory")
	}
	if !entries[0].ModTime.Equal(t1) {
		t.Errorf("ModTime = %v, want newest file time %v", entries[0].ModTime, t1)
	}
}

func TestList_MissingLocation(t *testing.T) {
	entries, err := New(nil).List(filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil {
		t.Fatalf("List of missing location: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}
