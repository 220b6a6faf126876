package journal

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

// OpenTest opens an in-memory journal closed when the test finishes.
func OpenTest(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:", hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("open test journal: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
