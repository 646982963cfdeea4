// Package seeds maintains the content-addressed safety cache for seed
// images: a filename-keyed index of content hashes and classifier verdicts,
// persisted to a single binary snapshot and repaired against the file
// system on demand.
package seeds

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/biome/gateway/internal/safety"
)

// Sentinel errors for the seed verification steps. The transport and
// session layers map these to user-facing messages and HTTP statuses.
var (
	ErrNotFound             = errors.New("seed not in safety cache")
	ErrUnsafe               = errors.New("seed marked as unsafe")
	ErrFileMissing          = errors.New("seed file not found")
	ErrIntegrity            = errors.New("file integrity verification failed")
	ErrUnsupportedExtension = errors.New("unsupported image format")
	ErrInvalidFilename      = errors.New("invalid seed filename")
	ErrDefaultSeedImmutable = errors.New("cannot delete default seeds")
)

// Record is the cached classification of one seed file, keyed by filename.
type Record struct {
	Hash      string
	IsSafe    bool
	Scores    safety.Scores
	Path      string
	CheckedAt time.Time
	Err       string
}

// Snapshot is the full cache state. The in-memory snapshot is the
// authoritative view; the on-disk blob is refreshed after every mutation.
type Snapshot struct {
	Files    map[string]Record
	LastScan time.Time
}

func emptySnapshot() Snapshot {
	return Snapshot{Files: make(map[string]Record)}
}

// clone deep-copies the snapshot so callers never alias cache state.
func (s Snapshot) clone() Snapshot {
	out := Snapshot{Files: make(map[string]Record, len(s.Files)), LastScan: s.LastScan}
	for k, v := range s.Files {
		out.Files[k] = v
	}
	return out
}

// HashFile computes the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
