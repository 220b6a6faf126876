package artifact

import (
	"testing"
	"time"
)

func TestTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		wantErr bool
	}{
		{"plain", "txt", false},
		{"hyphenated", "data-service", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"slash", "web/app", true},
		{"backslash", `web\app`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.typ.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.typ, err, tt.wantErr)
			}
		})
	}
}

func TestArtifact(t *testing.T) {
	mod := time.Date(2026, 2, 13, 20, 1, 2, 0, time.UTC)
	a := New("/repo/txt/./sample1.txt", "txt", mod, false)

	if a.Path != "/repo/txt/sample1.txt" {
		t.Errorf("Path = %q, want cleaned path", a.Path)
	}
	if a.Name() != "sample1.txt" {
		t.Errorf("Name() = %q, want %q", a.Name(), "sample1.txt")
	}
	if a.Deployed() {
		t.Error("new artifact reports Deployed() = true")
	}

	c := a.Clone()
	c.Key = "k1"
	if a.Key != "" {
		t.Error("mutating a clone changed the original")
	}
	if !c.Deployed() {
		t.Error("clone with key reports Deployed() = false")
	}
	if got := c.String(); got != "txt:/repo/txt/sample1.txt (k1)" {
		t.Errorf("String() = %q", got)
	}
}
