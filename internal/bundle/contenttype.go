package bundle

import (
	"path/filepath"
	"strings"
)

const (
	// ContentTypeActive is the content type of an archive ACTIVE pointer.
	ContentTypeActive = "text/plain; charset=utf-8"

	// ContentTypeManifest is the content type of a snapshot manifest.
	ContentTypeManifest = "application/json"
)

var extensionMap = map[string]string{
	".txt":        "text/plain; charset=utf-8",
	".md":         "text/markdown; charset=utf-8",
	".xml":        "application/xml",
	".json":       "application/json",
	".yaml":       "application/x-yaml",
	".yml":        "application/x-yaml",
	".html":       "text/html",
	".properties": "text/plain; charset=utf-8",
	".war":        "application/java-archive",
	".jar":        "application/java-archive",
	".car":        "application/zip",
	".zip":        "application/zip",
}

// ContentTypeForFile maps a file extension to a MIME type, defaulting to
// "application/octet-stream".
func ContentTypeForFile(filename string) string {
	if ct, ok := extensionMap[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}
