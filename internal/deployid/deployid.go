// Package deployid generates and parses the time-ordered identifiers used
// for deployment keys and archive snapshots.
//
// Format: <prefix>_<timestamp>_<random>
//   - prefix:    the artifact type for keys, "snap" for snapshots
//   - timestamp: UTC YYYYMMDD'T'HHmmss'Z'
//   - random:    8 lowercase hex characters from crypto/rand
//
// Example: txt_20260213T200102Z_6f2c9a1b
package deployid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

const (
	snapshotPrefix = "snap"
	timestampFmt   = "20060102T150405Z"
	randomBytes    = 4 // 4 bytes = 8 hex chars
)

// NewKey generates a deployment key for an artifact of type t.
func NewKey(t artifact.Type) artifact.Key {
	return artifact.Key(build(string(t), time.Now()))
}

// NewSnapshot generates a snapshot identifier.
func NewSnapshot() string {
	return build(snapshotPrefix, time.Now())
}

func build(prefix string, now time.Time) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("deployid: crypto/rand failed: %v", err))
	}
	return prefix + "_" + now.UTC().Format(timestampFmt) + "_" + hex.EncodeToString(b)
}

// Parse splits id into its prefix and timestamp. The prefix may itself
// contain underscores, so the id is split from the right.
func Parse(id string) (prefix string, ts time.Time, err error) {
	last := strings.LastIndex(id, "_")
	if last < 0 {
		return "", time.Time{}, fmt.Errorf("deployid: missing random segment in %q", id)
	}
	random := id[last+1:]
	rest := id[:last]

	mid := strings.LastIndex(rest, "_")
	if mid <= 0 {
		return "", time.Time{}, fmt.Errorf("deployid: missing prefix in %q", id)
	}
	prefix = rest[:mid]

	ts, err = time.Parse(timestampFmt, rest[mid+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("deployid: bad timestamp in %q: %w", id, err)
	}

	if len(random) != randomBytes*2 {
		return "", time.Time{}, fmt.Errorf("deployid: random segment wrong length in %q", id)
	}
	if _, err := hex.DecodeString(random); err != nil {
		return "", time.Time{}, fmt.Errorf("deployid: random segment not hex in %q: %w", id, err)
	}

	return prefix, ts, nil
}

// IsSnapshot reports whether id is a well-formed snapshot identifier.
func IsSnapshot(id string) bool {
	prefix, _, err := Parse(id)
	return err == nil && prefix == snapshotPrefix
}
