package filecopy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

func newDeployer(t *testing.T) (*Deployer, string, string) {
	t.Helper()
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "runtime")
	d, err := New(Options{Type: "txt", Destination: dest, Patterns: []string{"*.txt"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Init(context.Background(), src); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d, src, dest
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestNew(t *testing.T) {
	if _, err := New(Options{Type: "txt"}); err == nil {
		t.Error("missing destination accepted")
	}
	if _, err := New(Options{Type: "", Destination: "/out"}); err == nil {
		t.Error("empty type accepted")
	}

	d, err := New(Options{Type: "txt", Destination: "/out"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Location() != "txt" || d.ArtifactType() != "txt" {
		t.Errorf("Location = %q, ArtifactType = %q", d.Location(), d.ArtifactType())
	}
}

func TestDeployUndeploy_File(t *testing.T) {
	ctx := context.Background()
	d, src, dest := newDeployer(t)
	path := filepath.Join(src, "sample1.txt")
	writeFile(t, path, "hello")

	key, err := d.Deploy(ctx, artifact.New(path, "txt", time.Now(), false))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !strings.HasPrefix(string(key), "txt_") {
		t.Errorf("key = %q, want txt_ prefix", key)
	}
	copied := filepath.Join(dest, "sample1.txt")
	if got := readFile(t, copied); got != "hello" {
		t.Errorf("copy = %q", got)
	}

	if err := d.Undeploy(ctx, key); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if _, err := os.Stat(copied); !os.IsNotExist(err) {
		t.Errorf("copy still present: %v", err)
	}
	if err := d.Undeploy(ctx, key); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("second Undeploy err = %v, want ErrUnknownKey", err)
	}
}

func TestDeployUpdate_Directory(t *testing.T) {
	ctx := context.Background()
	d, src, dest := newDeployer(t)
	root := filepath.Join(src, "site")
	writeFile(t, filepath.Join(root, "index.html"), "v1")
	writeFile(t, filepath.Join(root, "static", "app.js"), "js")
	writeFile(t, filepath.Join(root, ".DS_Store"), "junk")

	a := artifact.New(root, "txt", time.Now(), true)
	key, err := d.Deploy(ctx, a)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if got := readFile(t, filepath.Join(dest, "site", "static", "app.js")); got != "js" {
		t.Errorf("nested copy = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "site", ".DS_Store")); !os.IsNotExist(err) {
		t.Error("excluded file was copied")
	}

	writeFile(t, filepath.Join(root, "index.html"), "v2")
	if err := os.Remove(filepath.Join(root, "static", "app.js")); err != nil {
		t.Fatal(err)
	}
	a.Key = key
	got, err := d.Update(ctx, a)
	if err != nil || got != key {
		t.Fatalf("Update = %q, %v", got, err)
	}
	if v := readFile(t, filepath.Join(dest, "site", "index.html")); v != "v2" {
		t.Errorf("index.html = %q, want v2", v)
	}
	if _, err := os.Stat(filepath.Join(dest, "site", "static", "app.js")); !os.IsNotExist(err) {
		t.Error("file removed from the artifact survived the update")
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("destination holds %d entries, want only the copy (staging left behind?)", len(entries))
	}
}

func TestUpdate_UnknownKey(t *testing.T) {
	d, src, _ := newDeployer(t)
	path := filepath.Join(src, "a.txt")
	writeFile(t, path, "x")

	a := artifact.New(path, "txt", time.Now(), false)
	a.Key = "txt_20260213T200102Z_00000000"
	if _, err := d.Update(context.Background(), a); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("err = %v, want ErrUnknownKey", err)
	}
}

func TestDeploy_MissingSource(t *testing.T) {
	d, src, dest := newDeployer(t)
	a := artifact.New(filepath.Join(src, "gone.txt"), "txt", time.Now(), false)
	if _, err := d.Deploy(context.Background(), a); err == nil {
		t.Fatal("Deploy of a missing file succeeded")
	}
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Errorf("destination not clean after failure: %d entries", len(entries))
	}
}

func TestDeploy_SameNameConflict(t *testing.T) {
	ctx := context.Background()
	d, src, dest := newDeployer(t)
	first := filepath.Join(src, "txt", "a.txt")
	second := filepath.Join(src, "other", "a.txt")
	writeFile(t, first, "first")
	writeFile(t, second, "second")

	key, err := d.Deploy(ctx, artifact.New(first, "txt", time.Now(), false))
	if err != nil {
		t.Fatalf("Deploy(first): %v", err)
	}
	if _, err := d.Deploy(ctx, artifact.New(second, "txt", time.Now(), false)); !errors.Is(err, ErrConflict) {
		t.Fatalf("Deploy(second) err = %v, want ErrConflict", err)
	}
	copied := filepath.Join(dest, "a.txt")
	if got := readFile(t, copied); got != "first" {
		t.Errorf("copy = %q, want the first artifact untouched", got)
	}

	// Once the owner is undeployed the name is free again.
	if err := d.Undeploy(ctx, key); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if _, err := d.Deploy(ctx, artifact.New(second, "txt", time.Now(), false)); err != nil {
		t.Fatalf("Deploy(second) after undeploy: %v", err)
	}
	if got := readFile(t, copied); got != "second" {
		t.Errorf("copy = %q, want second", got)
	}
}
