package manifest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleManifest() *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		ArtifactType:  "webapp",
		ArtifactName:  "shop",
		SourcePath:    "/srv/hotdeploy/repository/webapps/shop",
		Exploded:      true,
		DeploymentKey: "webapp_20260213T200102Z_6f2c9a1b",
		SnapshotID:    "snap_20260213T200103Z_0a1b2c3d",
		CreatedAt:     "2026-02-13T20:01:03Z",
		ModTime:       "2026-02-13T20:00:00Z",
		Digest:        "sha256:9876543210fedcba",
		Files: map[string]string{
			"index.html":         "sha256:1111111111111111",
			"WEB-INF/web.xml":    "sha256:2222222222222222",
			"static/app.js":      "sha256:3333333333333333",
			"static/css/app.css": "sha256:4444444444444444",
		},
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	original := sampleManifest()

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}

	roundTripped, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() returned error: %v", err)
	}

	if diff := cmp.Diff(original, roundTripped); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	m := sampleManifest()

	data1, err := Marshal(m)
	if err != nil {
		t.Fatalf("first Marshal() returned error: %v", err)
	}

	// A copy with the map built in a different insertion order.
	m2 := sampleManifest()
	m2.Files = map[string]string{}
	paths := m.Paths()
	for i := len(paths) - 1; i >= 0; i-- {
		m2.Files[paths[i]] = m.Files[paths[i]]
	}

	data2, err := Marshal(m2)
	if err != nil {
		t.Fatalf("second Marshal() returned error: %v", err)
	}

	if !bytes.Equal(data1, data2) {
		t.Errorf("Marshal() produced different output:\n--- first ---\n%s\n--- second ---\n%s", data1, data2)
	}
}

func TestMarshalSortedFiles(t *testing.T) {
	m := &Manifest{
		SchemaVersion: SchemaVersion,
		Files: map[string]string{
			"zebra.txt":  "sha256:zzzz",
			"alpha.txt":  "sha256:aaaa",
			"middle.txt": "sha256:mmmm",
		},
	}

	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}

	output := string(data)
	alphaIdx := strings.Index(output, "alpha.txt")
	middleIdx := strings.Index(output, "middle.txt")
	zebraIdx := strings.Index(output, "zebra.txt")

	if alphaIdx == -1 || middleIdx == -1 || zebraIdx == -1 {
		t.Fatalf("one or more file keys not found in output:\n%s", output)
	}
	if !(alphaIdx < middleIdx && middleIdx < zebraIdx) {
		t.Errorf("file keys are not in sorted order: alpha@%d, middle@%d, zebra@%d", alphaIdx, middleIdx, zebraIdx)
	}
	if !json.Valid(data) {
		t.Errorf("Marshal() output is not valid JSON:\n%s", data)
	}
}

func TestMarshalNilFiles(t *testing.T) {
	m := sampleManifest()
	m.Files = nil

	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}
	if !strings.Contains(string(data), `"files": {}`) {
		t.Errorf("nil Files not rendered as empty object:\n%s", data)
	}
	if m.Files != nil {
		t.Error("Marshal mutated its argument")
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	valid := func(mutate func(m map[string]any)) string {
		var raw map[string]any
		data, _ := Marshal(sampleManifest())
		_ = json.Unmarshal(data, &raw)
		mutate(raw)
		out, _ := json.Marshal(raw)
		return string(out)
	}

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty string", input: ""},
		{name: "not JSON", input: "this is not json"},
		{name: "truncated JSON", input: `{"schema_version": 1, "files":`},
		{name: "JSON array instead of object", input: `[1, 2, 3]`},
		{
			name:  "future schema",
			input: valid(func(m map[string]any) { m["schema_version"] = 99 }),
		},
		{
			name:  "missing type",
			input: valid(func(m map[string]any) { m["artifact_type"] = "" }),
		},
		{
			name:  "bad digest",
			input: valid(func(m map[string]any) { m["digest"] = "md5:abc" }),
		},
		{
			name: "escaping file path",
			input: valid(func(m map[string]any) {
				m["files"] = map[string]any{"../etc/passwd": "sha256:00"}
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.input)); err == nil {
				t.Errorf("Unmarshal(%q) expected error, got nil", tt.input)
			}
		})
	}
}

func TestMarshalNil(t *testing.T) {
	if _, err := Marshal(nil); err == nil {
		t.Fatal("Marshal(nil) expected error, got nil")
	}
}
